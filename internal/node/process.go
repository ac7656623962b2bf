package node

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/grid/internal/data"
)

// ProcessFactory launches one driver process per session (chromedriver,
// geckodriver and friends) with the configured Args. The session URI is
// BaseURI as given; no port is chosen for or passed to the driver.
type ProcessFactory struct {
	Stereotype data.Capabilities
	DriverPath string
	Args       []string
	BaseURI    string

	log *zap.Logger
}

func NewProcessFactory(stereotype data.Capabilities, driverPath, baseURI string, args []string, log *zap.Logger) *ProcessFactory {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProcessFactory{
		Stereotype: stereotype,
		DriverPath: driverPath,
		Args:       args,
		BaseURI:    baseURI,
		log:        log,
	}
}

func (f *ProcessFactory) Matches(caps data.Capabilities) bool {
	return f.Stereotype.Matches(caps)
}

func (f *ProcessFactory) Create(ctx context.Context, req CreateRequest) (*RunningSession, error) {
	cmd := exec.Command(f.DriverPath, f.Args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", data.ErrFactoryFailed, f.DriverPath, err)
	}
	f.log.Info("driver process started",
		zap.String("driver", f.DriverPath),
		zap.Int("pid", cmd.Process.Pid),
	)

	session := data.Session{
		ID:           data.SessionID(uuid.NewString()),
		Stereotype:   f.Stereotype.Clone(),
		Capabilities: req.Capabilities.Clone(),
		StartedAt:    time.Now(),
		URI:          f.BaseURI,
	}
	stop := func(context.Context) error {
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill driver pid %d: %w", cmd.Process.Pid, err)
		}
		_ = cmd.Wait()
		return nil
	}
	return &RunningSession{Session: session, Stop: stop}, nil
}
