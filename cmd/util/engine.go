package util

import (
	"bufio"
	"context"
	"fmt"
	"github.com/ValentinKolb/wstore/lib/common"
	"github.com/ValentinKolb/wstore/lib/storage/backend"
	"github.com/ValentinKolb/wstore/lib/storage/quota"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/viper"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

var log = logger.GetLogger("cli")

// ShutdownTimeout bounds the final flush of all tables when a command ends
const ShutdownTimeout = 30 * time.Second

// OpenEngine initializes the loggers and creates a manager for the configuration
// stored in viper. The quota policy is read from the policy file of the data
// dir. Quota prompts are answered on the terminal unless --yes is set.
func OpenEngine() (*backend.Manager, common.EngineConfig, error) {
	config := GetEngineConfig()
	if err := common.InitLoggers(config); err != nil {
		return nil, config, err
	}

	var listener quota.Listener
	if viper.GetBool("yes") {
		listener = quota.ListenerFunc(func(_ quota.Request, cb quota.Callback) {
			cb.OnQuotaReply(true, 0)
		})
	} else {
		listener = NewTerminalListener(os.Stdin, os.Stderr)
	}

	policy, err := config.OpenPolicy()
	if err != nil {
		return nil, config, err
	}

	m, err := config.NewManager(policy, listener)
	if err != nil {
		return nil, config, err
	}
	log.Debugf("engine opened:\n%s", config.String())
	return m, config, nil
}

// CloseEngine flushes and releases every table of the manager
func CloseEngine(m *backend.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		log.Errorf("shutdown failed: %v", err)
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Terminal quota prompt
// --------------------------------------------------------------------------

// TerminalListener asks on the terminal whether an origin may exceed its
// quota. Prompts are answered one at a time.
type TerminalListener struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewTerminalListener creates a listener reading answers from in and writing prompts to out
func NewTerminalListener(in io.Reader, out io.Writer) *TerminalListener {
	return &TerminalListener{in: bufio.NewReader(in), out: out}
}

// OnQuotaExceeded implements quota.Listener. The prompt runs on its own goroutine.
func (l *TerminalListener) OnQuotaExceeded(req quota.Request, cb quota.Callback) {
	go l.prompt(req, cb)
}

func (l *TerminalListener) prompt(req quota.Request, cb quota.Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, _ = fmt.Fprintf(l.out, "%s wants to store %d bytes (uses %d, %d available).\n", req.Origin, req.Needed, req.Used, req.Available)
	_, _ = fmt.Fprint(l.out, "[a]llow, allow al[w]ays, [d]eny, [c]ancel? ")

	line, err := l.in.ReadString('\n')
	if err != nil && line == "" {
		cb.OnCancel()
		return
	}

	reply := ParseQuotaAnswer(line, req)
	if reply.Cancelled {
		cb.OnCancel()
		return
	}
	cb.OnQuotaReply(reply.Allow, reply.NewQuota)
}

// ParseQuotaAnswer maps a terminal answer to a quota reply. Allowing once raises
// the quota to exactly what the write needs.
func ParseQuotaAnswer(answer string, req quota.Request) quota.Reply {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "a", "allow", "y", "yes":
		return quota.Reply{Allow: true, NewQuota: req.Needed}
	case "w", "always":
		return quota.Reply{Allow: true}
	case "d", "deny", "n", "no":
		return quota.Reply{Allow: false}
	default:
		return quota.Reply{Cancelled: true}
	}
}
