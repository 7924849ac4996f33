package memory

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/ssocore/ssocore/storage"
	"github.com/ssocore/ssocore/storage/conformance"
)

func TestStorage(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	conformance.RunTests(t, func() storage.Storage {
		return New(logger)
	})
}
