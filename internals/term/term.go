package term

import (
	"net/url"
	"os"
	"path/filepath"
)

// hyperlinkVars are set by terminals known to render OSC 8 links.
var hyperlinkVars = []string{
	"WT_SESSION",
	"VTE_VERSION",
	"KONSOLE_VERSION",
	"KITTY_WINDOW_ID",
	"WEZTERM_EXECUTABLE",
	"DOMTERM",
	"TERM_PROGRAM",
}

func SupportsHyperlinks() bool {
	switch os.Getenv("TERM") {
	case "", "dumb", "alacritty":
		return false
	}
	for _, key := range hyperlinkVars {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func ClickableLink(label string, target string) string {
	if target == "" {
		return label
	}
	if label == "" {
		label = target
	}
	if !SupportsHyperlinks() {
		return label
	}
	return "\x1b]8;;" + target + "\x1b\\" + label + "\x1b]8;;\x1b\\"
}

// FileLink renders a file:// link to path. An empty label shows the path.
func FileLink(label, path string) string {
	if label == "" {
		label = path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return label
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return ClickableLink(label, u.String())
}
