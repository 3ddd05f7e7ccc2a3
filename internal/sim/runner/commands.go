package runner

import (
	"errors"
	"fmt"
	"sync"
)

type CommandKind int

const (
	CommandSetTargetRate CommandKind = iota + 1
	CommandShutdown
	CommandPause
	CommandResume
)

func (k CommandKind) String() string {
	switch k {
	case CommandSetTargetRate:
		return "SET_TARGET_RATE"
	case CommandShutdown:
		return "SHUTDOWN"
	case CommandPause:
		return "PAUSE"
	case CommandResume:
		return "RESUME"
	default:
		return fmt.Sprintf("CommandKind(%d)", int(k))
	}
}

// Command is a control message for the simulation loop. Senders get no acknowledgement.
type Command struct {
	Kind       CommandKind
	TargetRate int
}

func SetTargetRate(rate int) Command { return Command{Kind: CommandSetTargetRate, TargetRate: rate} }
func Shutdown() Command              { return Command{Kind: CommandShutdown} }
func Pause() Command                 { return Command{Kind: CommandPause} }
func Resume() Command                { return Command{Kind: CommandResume} }

var (
	// ErrEmpty means no command is waiting; it is the common case, not a failure.
	ErrEmpty         = errors.New("mailbox empty")
	ErrMailboxClosed = errors.New("mailbox closed")
)

// CommandSender is the producer side handed to transports.
type CommandSender interface {
	Send(cmd Command) error
}

// Mailbox is an unbounded multi-producer single-consumer command queue.
// Send never blocks; TryRecv never blocks.
type Mailbox struct {
	mu     sync.Mutex
	queue  []Command
	closed bool
}

func NewMailbox() *Mailbox { return &Mailbox{} }

func (m *Mailbox) Send(cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMailboxClosed
	}
	m.queue = append(m.queue, cmd)
	return nil
}

// TryRecv pops the oldest command. Commands sent before Close are still delivered;
// ErrMailboxClosed is returned only once the queue is drained.
func (m *Mailbox) TryRecv() (Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		if m.closed {
			return Command{}, ErrMailboxClosed
		}
		return Command{}, ErrEmpty
	}
	cmd := m.queue[0]
	m.queue[0] = Command{}
	m.queue = m.queue[1:]
	if len(m.queue) == 0 {
		m.queue = nil
	}
	return cmd, nil
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
