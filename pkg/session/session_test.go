package session

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krisarmstrong/nettest/pkg/config"
	"github.com/krisarmstrong/nettest/pkg/result"
)

func TestNew(t *testing.T) {
	chs := []config.Channel{{Interface: "eth0"}, {Interface: "eth1"}}
	s := New(chs)
	chs[0].Interface = "changed"

	_, err := uuid.Parse(s.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"eth0", "eth1"}, s.Interfaces())
	assert.False(t, s.Started.IsZero())
	assert.Equal(t, 0, s.Len())
}

func TestAddConcurrent(t *testing.T) {
	s := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Add(result.Result{TestID: "tcp-unidir", Verdict: result.Pass})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, s.Len())
}

func TestResultsIsCopy(t *testing.T) {
	s := New(nil)
	s.Add(result.Result{TestID: "link", Verdict: result.Pass})

	got := s.Results()
	got[0].Verdict = result.Fail

	assert.Equal(t, result.Pass, s.Results()[0].Verdict)
}
