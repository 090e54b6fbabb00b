package env

import (
	"errors"
	"fmt"
	"os"

	z "github.com/Oudwins/zog"
	"github.com/Oudwins/zog/zenv"
	"github.com/joho/godotenv"
)

type EnvStruct struct {
	HOME        string `zog:"HOME"`
	BASE_URL    string `zog:"DESKRUN_BASE_URL"`
	USERNAME    string `zog:"DESKRUN_USERNAME"`
	PASSWORD    string `zog:"DESKRUN_PASSWORD"`
	PROJECT_DIR string `zog:"DESKRUN_PROJECT_DIR"`
	OLLAMA_HOST string `zog:"OLLAMA_HOST"`
}

var EnvSchema = z.Struct(z.Shape{
	"HOME":        z.String().Optional(),
	"BASE_URL":    z.String().Optional().Trim(),
	"USERNAME":    z.String().Optional().Trim(),
	"PASSWORD":    z.String().Optional(),
	"PROJECT_DIR": z.String().Optional().Trim(),
	"OLLAMA_HOST": z.String().Optional().Trim(),
})

// Load reads a .env file from the working directory when one exists, then
// parses the process environment. Variables already set are not overridden.
func Load(dotenvPath string) (*EnvStruct, error) {
	if dotenvPath == "" {
		dotenvPath = ".env"
	}
	if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", dotenvPath, err)
	}

	out := &EnvStruct{}
	if issues := EnvSchema.Parse(zenv.NewDataProvider(), out); len(issues) > 0 {
		return nil, fmt.Errorf("parse environment:\n%s", z.Issues.Prettify(issues))
	}
	return out, nil
}
