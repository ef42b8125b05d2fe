package sitecrawler

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// skippedLog appends one line per product that could not be committed:
// "<rfc3339>\t<product_url>\t<error>\n".
type skippedLog struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	logger *zap.Logger
}

func newSkippedLog(path string, logger *zap.Logger) *skippedLog {
	return &skippedLog{path: path, logger: logger}
}

func (l *skippedLog) Append(productURL string, cause error) {
	if l == nil || l.path == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			l.logger.Warn("create skipped-products log dir failed", zap.Error(err))
			return
		}
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			l.logger.Warn("open skipped-products log failed", zap.Error(err))
			return
		}
		l.file = file
	}
	line := fmt.Sprintf("%s\t%s\t%v\n", time.Now().UTC().Format(time.RFC3339), productURL, cause)
	if _, err := l.file.WriteString(line); err != nil {
		l.logger.Warn("write skipped-products log failed", zap.Error(err))
		return
	}
	_ = l.file.Sync()
}

func (l *skippedLog) Close() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
}
