// Package content loads the server's text screens (welcome banner, MOTD,
// help) from a YAML file so operators can edit them without a rebuild.
package content

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// yamlScreensFile is the top-level YAML structure for the screens file.
type yamlScreensFile struct {
	Screens yamlScreens `yaml:"screens"`
}

// yamlScreens is the YAML representation of the screen set.
type yamlScreens struct {
	Banner string `yaml:"banner"`
	MOTD   string `yaml:"motd"`
	Help   string `yaml:"help"`
}

// Screens holds the loaded text screens with network line endings applied.
type Screens struct {
	Banner string
	MOTD   string
	Help   string
}

// DefaultScreens returns the built-in screens used when no file is supplied.
func DefaultScreens() *Screens {
	return &Screens{
		Banner: "Welcome to LEmud.\r\n\r\nEnter your username, or type \"new\" to create a character.\r\n",
		MOTD:   "Message of the day has not been set.\r\n",
		Help:   "Commands: look, say, who, quit, history, changepassword\r\n",
	}
}

// LoadScreensFromFile reads and validates a screens YAML file.
//
// Precondition: path must point to a valid YAML screens file.
// Postcondition: Returns loaded Screens or a non-nil error.
func LoadScreensFromFile(path string) (*Screens, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading screens file %s: %w", path, err)
	}
	return LoadScreensFromBytes(data)
}

// LoadScreensFromBytes parses screens from YAML bytes. Missing entries fall
// back to the defaults.
//
// Postcondition: Returns Screens with every field non-empty, or an error.
func LoadScreensFromBytes(data []byte) (*Screens, error) {
	var file yamlScreensFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing screens YAML: %w", err)
	}

	defaults := DefaultScreens()
	s := &Screens{
		Banner: networkEndings(file.Screens.Banner),
		MOTD:   networkEndings(file.Screens.MOTD),
		Help:   networkEndings(file.Screens.Help),
	}
	if s.Banner == "" {
		s.Banner = defaults.Banner
	}
	if s.MOTD == "" {
		s.MOTD = defaults.MOTD
	}
	if s.Help == "" {
		s.Help = defaults.Help
	}
	return s, nil
}

// networkEndings rewrites bare newlines as \r\n for terminal clients.
func networkEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
