package watcher

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ptybridge/internal/logging"
)

// Event represents the last change seen in a debounce window.
type Event struct {
	// Root is the registered path the callback was attached to.
	Root      string
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
}

// Handle releases watcher resources for a registration.
type Handle interface {
	Close() error
}

// Watch registers a callback for filesystem events on a path.
type Watch interface {
	Watch(path string, callback func(Event)) (Handle, error)
}

// Options controls watcher behavior.
type Options struct {
	Logger     *logging.Logger
	Debounce   time.Duration
	MaxWatches int
	// Recursive also watches directories below a registered directory,
	// including ones created later.
	Recursive    bool
	ErrorHandler func(error)
}

// Metrics reports watcher counters.
type Metrics struct {
	ActiveWatches   int
	EventsDelivered uint64
	EventsCoalesced uint64
	Errors          uint64
	RestartAttempts int
}

// Watcher is the concrete fsnotify-backed implementation.
type Watcher struct {
	watcher       *fsnotify.Watcher
	mutex         sync.Mutex
	callbacks     map[string][]callbackEntry
	subdirs       map[string]string
	debouncer     *debouncer
	events        chan fsnotify.Event
	errors        chan error
	done          chan struct{}
	closed        bool
	logger        *logging.Logger
	recursive     bool
	maxWatches    int
	activeWatches int
	nextID        uint64
	errorHandler  func(error)

	eventsDelivered uint64
	eventsCoalesced uint64
	errorCount      uint64

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartAttempts int
}
