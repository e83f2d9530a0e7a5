package build

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
)

// hook bundles the three outputs of a subsystem logger so they can be
// tuned together.
type hook struct {
	console     *consoleLogHook
	jsonFile    *jsonFileHook
	regularFile *humanReadableFileHook
}

func (h *hook) setLevel(level logrus.Level) {
	h.console.setLevel(level)
	h.jsonFile.setLevel(level)
	h.regularFile.setLevel(level)
}

func (h *hook) setDir(dir string) error {
	jsonFile, err := openFileForAppend(filepath.Join(dir, "lnvault.log.json"))
	if err != nil {
		return fmt.Errorf("could not open JSON log file: %w", err)
	}
	h.jsonFile.file = jsonFile

	regularFile, err := openFileForAppend(filepath.Join(dir, "lnvault.log"))
	if err != nil {
		return fmt.Errorf("could not open regular log file: %w", err)
	}
	h.regularFile.file = regularFile
	return nil
}

func openFileForAppend(file string) (*os.File, error) {
	return os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

type consoleLogHook struct {
	hasLevel
	subsystem string
}

var _ logrus.Hook = &consoleLogHook{}
var consoleFormat = logrus.TextFormatter{
	TimestampFormat: "15:04:05",
	ForceColors:     true,
	FullTimestamp:   true,
}

func (c *consoleLogHook) Fire(entry *logrus.Entry) error {
	if entry == nil || c.level < entry.Level {
		return nil
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", c.subsystem, entry.Message)

	formatted, err := consoleFormat.Format(&copied)
	if err != nil {
		return err
	}

	_, err = os.Stdout.Write(formatted)
	return err
}

type humanReadableFileHook struct {
	hasLevel
	file      *os.File
	subsystem string
}

var _ logrus.Hook = &humanReadableFileHook{}
var fileHookFormat = logrus.TextFormatter{
	// formatted with color and stripped afterwards, so the file and console
	// outputs stay identical
	ForceColors:     true,
	TimestampFormat: time.RFC3339,
	FullTimestamp:   true,
}

const ansi = "[][[\\]()#;?]*(?:(?:(?:[a-zA-Z\\d]*(?:;[a-zA-Z\\d]*)*)?)|(?:(?:\\d{1,4}(?:;\\d{0,4})*)?[\\dA-PRZcf-ntqry=><~]))"

var ansiRegex = regexp.MustCompile(ansi)

func (h *humanReadableFileHook) Fire(entry *logrus.Entry) error {
	if h.file == nil {
		return nil
	}
	if entry == nil || h.level < entry.Level {
		return nil
	}

	copied := *entry
	copied.Message = fmt.Sprintf("%s %s", h.subsystem, entry.Message)
	formatted, err := fileHookFormat.Format(&copied)
	if err != nil {
		return err
	}

	stripped := ansiRegex.ReplaceAll(formatted, nil)
	_, err = h.file.Write(stripped)
	return err
}

type jsonFileHook struct {
	hasLevel
	file      *os.File
	subsystem string
}

var _ logrus.Hook = &jsonFileHook{}
var jsonHookFormat = logrus.JSONFormatter{
	TimestampFormat: time.RFC3339,
}

func (j *jsonFileHook) Fire(entry *logrus.Entry) error {
	if j.file == nil {
		return nil
	}
	if entry == nil || j.level < entry.Level {
		return nil
	}

	// WithField copies the data map but not message or level, so copy
	// those over manually instead of mutating the shared entry
	withSubsystem := entry.WithField("subsystem", j.subsystem)
	withSubsystem.Message = entry.Message
	withSubsystem.Level = entry.Level
	formatted, err := jsonHookFormat.Format(withSubsystem)
	if err != nil {
		return err
	}

	_, err = j.file.Write(formatted)
	return err
}

type hasLevel struct {
	level logrus.Level
}

// Levels satisfies the logrus.Hook interface. Filtering happens in Fire,
// based on the tunable level field.
func (h *hasLevel) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hasLevel) setLevel(level logrus.Level) {
	h.level = level
}
