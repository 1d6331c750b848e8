package store

import (
	"os"
	"testing"

	"github.com/zhubert/preview-core/logger"
)

func TestMain(m *testing.M) {
	// Disable logging during tests to avoid writing to the real log dir
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
