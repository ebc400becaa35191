package destination

import (
	"context"
	"sync"

	"github.com/maxpert/tapline/mutation"
)

// MockDestination records every Send for inspection in tests
type MockDestination struct {
	*Listenable

	// Block, when set, makes Send wait until it is closed or ctx is done
	Block chan struct{}

	mu          sync.Mutex
	sendErr     error
	calls       [][]mutation.Mutation
	last        mutation.Mutation
	hasLast     bool
	started     bool
	openCount   int
	closeCount  int
	clearCount  int
	sendStarted chan struct{}
}

func NewMockDestination() *MockDestination {
	return &MockDestination{
		Listenable:  NewListenable(),
		sendStarted: make(chan struct{}, 1024),
	}
}

func (m *MockDestination) Open(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCount++
	m.started = true
	return nil
}

func (m *MockDestination) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	m.started = false
	return nil
}

func (m *MockDestination) Send(ctx context.Context, mutations []mutation.Mutation) error {
	select {
	case m.sendStarted <- struct{}{}:
	default:
	}

	if m.Block != nil {
		select {
		case <-m.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.calls = append(m.calls, append([]mutation.Mutation(nil), mutations...))
	if len(mutations) > 0 {
		m.last = mutations[len(mutations)-1]
		m.hasLast = true
	}
	return nil
}

// SetSendErr makes every following Send fail with err, nil restores success
func (m *MockDestination) SetSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *MockDestination) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCount++
}

func (m *MockDestination) LastPublished() (mutation.Mutation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last, m.hasLast
}

func (m *MockDestination) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// SendStarted receives a value each time Send is entered
func (m *MockDestination) SendStarted() <-chan struct{} {
	return m.sendStarted
}

// Calls returns the mutations of every successful Send in call order
func (m *MockDestination) Calls() [][]mutation.Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]mutation.Mutation, len(m.calls))
	copy(out, m.calls)
	return out
}

// Counts returns how many times Open, Close and Clear were called
func (m *MockDestination) Counts() (opened, closed, cleared int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount, m.closeCount, m.clearCount
}
