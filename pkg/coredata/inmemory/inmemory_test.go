package inmemory

import (
	"testing"

	"github.com/inngest/runengine/pkg/coredata"
	"github.com/inngest/runengine/pkg/coredata/coredatatest"
)

func TestStore(t *testing.T) {
	coredatatest.Run(t, func(t *testing.T) coredata.Store {
		return New()
	})
}
