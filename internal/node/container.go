package node

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/grid/internal/assets"
	"github.com/example/grid/internal/data"
)

// ContainerFactory starts one browser container per session through the
// container runtime CLI. The advertised session host comes from HOSTNAME so
// sessions stay reachable when the grid itself runs containerized. On stop
// the container log is archived to the asset store before removal.
type ContainerFactory struct {
	Stereotype data.Capabilities
	Image      string
	Runtime    string
	Port       int

	assetStore assets.Store
	log        *zap.Logger
}

func NewContainerFactory(stereotype data.Capabilities, image string, port int, store assets.Store, log *zap.Logger) *ContainerFactory {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContainerFactory{
		Stereotype: stereotype,
		Image:      image,
		Runtime:    "docker",
		Port:       port,
		assetStore: store,
		log:        log,
	}
}

func (f *ContainerFactory) Matches(caps data.Capabilities) bool {
	return f.Stereotype.Matches(caps)
}

func (f *ContainerFactory) Create(ctx context.Context, req CreateRequest) (*RunningSession, error) {
	sessionID := data.SessionID(uuid.NewString())
	name := "grid-session-" + string(sessionID)

	run := exec.CommandContext(ctx, f.Runtime, "run", "-d", "--rm",
		"--name", name,
		"-p", fmt.Sprintf("%d", f.Port),
		f.Image,
	)
	out, err := run.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s run %s: %v: %s",
			data.ErrFactoryFailed, f.Runtime, f.Image, err, strings.TrimSpace(string(out)))
	}
	containerID := strings.TrimSpace(string(out))

	host := os.Getenv("HOSTNAME")
	if host == "" {
		host = "localhost"
	}
	session := data.Session{
		ID:           sessionID,
		Stereotype:   f.Stereotype.Clone(),
		Capabilities: req.Capabilities.Clone(),
		StartedAt:    time.Now(),
		URI:          fmt.Sprintf("http://%s:%d", host, f.Port),
	}
	stop := func(stopCtx context.Context) error {
		f.archiveLogs(stopCtx, sessionID, containerID)
		rm := exec.CommandContext(stopCtx, f.Runtime, "rm", "-f", containerID)
		if out, err := rm.CombinedOutput(); err != nil {
			return fmt.Errorf("remove container %s: %v: %s", containerID, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	return &RunningSession{Session: session, Stop: stop}, nil
}

func (f *ContainerFactory) archiveLogs(ctx context.Context, sessionID data.SessionID, containerID string) {
	if f.assetStore == nil {
		return
	}
	logs := exec.CommandContext(ctx, f.Runtime, "logs", containerID)
	out, err := logs.CombinedOutput()
	if err != nil {
		f.log.Warn("container log capture failed",
			zap.String("container", containerID), zap.Error(err))
		return
	}
	uri, err := f.assetStore.Put(ctx, string(sessionID), "container.log", bytes.NewReader(out), int64(len(out)))
	if err != nil {
		f.log.Warn("container log archive failed",
			zap.String("container", containerID), zap.Error(err))
		return
	}
	f.log.Info("session assets archived",
		zap.String("session_id", string(sessionID)), zap.String("uri", uri))
}
