package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aweris/wcsnap/internal/hash"
	"github.com/aweris/wcsnap/internal/remote"
	"github.com/aweris/wcsnap/internal/store"
)

var fastPolicy = remote.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

// scriptedStore wraps Memory and fails calls according to a script.
type scriptedStore struct {
	*store.Memory

	mu          sync.Mutex
	flaky       map[hash.Digest]int // transient failures left per digest
	broken      map[hash.Digest]bool
	probeFails  int
	probeCalls  int
	probeSizes  []int
	putCalls    map[hash.Digest]int
	inFlight    map[hash.Digest]int
	maxInFlight int // per digest

	puts, maxPuts     int // PutBlob calls running at once
	probes, maxProbes int // Probe calls running at once
}

func newScripted() *scriptedStore {
	return &scriptedStore{
		Memory:   store.NewMemory(),
		flaky:    make(map[hash.Digest]int),
		broken:   make(map[hash.Digest]bool),
		putCalls: make(map[hash.Digest]int),
		inFlight: make(map[hash.Digest]int),
	}
}

func (s *scriptedStore) Probe(ctx context.Context, digests []hash.Digest) (hash.Set, error) {
	s.mu.Lock()
	s.probeCalls++
	s.probeSizes = append(s.probeSizes, len(digests))
	s.probes++
	s.maxProbes = max(s.maxProbes, s.probes)
	fail := s.probeFails > 0
	if fail {
		s.probeFails--
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.probes--
		s.mu.Unlock()
	}()
	if fail {
		return nil, store.Transient("probe", errors.New("503 service unavailable"))
	}
	time.Sleep(time.Millisecond)
	return s.Memory.Probe(ctx, digests)
}

func (s *scriptedStore) PutBlob(ctx context.Context, blob store.Blob) error {
	s.mu.Lock()
	s.putCalls[blob.Digest]++
	s.inFlight[blob.Digest]++
	s.maxInFlight = max(s.maxInFlight, s.inFlight[blob.Digest])
	s.puts++
	s.maxPuts = max(s.maxPuts, s.puts)
	var err error
	switch {
	case s.broken[blob.Digest]:
		err = errors.New("403 forbidden")
	case s.flaky[blob.Digest] > 0:
		s.flaky[blob.Digest]--
		err = store.Transient("put", errors.New("connection reset"))
	}
	s.mu.Unlock()

	if err == nil {
		time.Sleep(time.Millisecond)
		err = s.Memory.PutBlob(ctx, blob)
	}

	s.mu.Lock()
	s.inFlight[blob.Digest]--
	s.puts--
	s.mu.Unlock()
	return err
}
