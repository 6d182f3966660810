package obs

import (
	"io"
	"os"
	"sync"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	apexText "github.com/apex/log/handlers/text"
)

var (
	mu           sync.Mutex
	debugEnabled bool
)

func init() {
	log.SetHandler(apexJSON.New(os.Stdout))
	log.SetLevel(log.InfoLevel)
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	defer mu.Unlock()
	debugEnabled = v
	if v {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// Setup selects the output encoding ("json" or "text") and destination.
func Setup(format string, w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	switch format {
	case "text":
		log.SetHandler(apexText.New(w))
	default:
		log.SetHandler(apexJSON.New(w))
	}
}

type Fields map[string]any

func entry(f Fields) *log.Entry {
	return log.WithFields(log.Fields(f))
}

func Info(msg string, f Fields)  { entry(f).Info(msg) }
func Warn(msg string, f Fields)  { entry(f).Warn(msg) }
func Error(msg string, f Fields) { entry(f).Error(msg) }
func Debug(msg string, f Fields) {
	mu.Lock()
	on := debugEnabled
	mu.Unlock()
	if on {
		entry(f).Debug(msg)
	}
}
