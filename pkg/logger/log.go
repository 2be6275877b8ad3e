package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

// Level returns the numeric severity of the status, suitable
// for passing to SetMinLoggingLevel.
func (e LogStatus) Level() int { return int(e) }

type Logger interface {
	Emit(LogStatus, string, ...interface{})
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...interface{}) {
	Log.Emit(status, l.name, message, interpolations...)
}

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogStatus, string, string, ...interface{})
}

var Log LoggerManager = mgr

var mgr = &loggerMgr{
	offset:   0,
	minLevel: INFO,
	out:      os.Stdout,
}

type loggerMgr struct {
	sync.Mutex
	offset   int
	minLevel LogStatus
	out      io.Writer
	file     io.WriteCloser
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) Emit(status LogStatus, name string, message string, interpolations ...interface{}) {
	l.Lock()
	defer l.Unlock()

	if status < l.minLevel {
		return
	}

	l.setNameOffset(len(name))
	padding := strings.Repeat(" ", l.offset-len(name))
	body := fmt.Sprintf(message, interpolations...)
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, body)

	status.Color().Fprint(l.out, msg)

	// The file sink never receives escape codes, and always carries a timestamp
	// so that logs from several runs can be told apart.
	if l.file != nil {
		fmt.Fprintf(l.file, "%s [%s] (%s) %s", time.Now().Format("2006-01-02 15:04:05"), name, status, body)
	}
}

func (l *loggerMgr) setNameOffset(offset int) {
	if offset > l.offset {
		l.offset = offset
	}
}

func Get(name string) Logger {
	return Log.GetLogger(name)
}

// SetMinLoggingLevel drops any log emitted with a status below the level provided.
func SetMinLoggingLevel(level int) {
	mgr.Lock()
	defer mgr.Unlock()

	mgr.minLevel = LogStatus(level)
}

// SetOutput redirects console output. Mostly useful to silence
// or capture logs inside of tests.
func SetOutput(w io.Writer) {
	mgr.Lock()
	defer mgr.Unlock()

	mgr.out = w
}

// SetColorEnabled toggles ANSI colors for console output.
func SetColorEnabled(enabled bool) {
	color.NoColor = !enabled
}

// SetOutputFile appends every emitted log to the file at the path provided, in addition
// to the console. Passing an empty path closes any existing file sink.
func SetOutputFile(path string) error {
	mgr.Lock()
	defer mgr.Unlock()

	if mgr.file != nil {
		mgr.file.Close()
		mgr.file = nil
	}
	if path == "" {
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	mgr.file = f
	return nil
}

// Close releases the file sink (if any).
func Close() error {
	return SetOutputFile("")
}
