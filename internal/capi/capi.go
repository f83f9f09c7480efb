// Package capi is the handle-based surface over keel, shaped for callers that
// cannot hold Go values: every object is an opaque handle, every call reports
// success as 0 (or a non-zero handle) and failure as -1 (or the zero handle),
// and the reason for the latest failure is read back with GetLastError.
//
// Objects are owned by process-wide registries. A Destroy or Free call is the
// only way to release them; releasing twice, or releasing the zero handle, is
// a no-op.
package capi

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/keel/internal/backend"
	"github.com/samcharles93/keel/internal/engine"
	"github.com/samcharles93/keel/internal/errdefs"
	"github.com/samcharles93/keel/internal/handle"
	"github.com/samcharles93/keel/internal/lasterror"
	"github.com/samcharles93/keel/internal/logger"
	"github.com/samcharles93/keel/internal/session"
	"github.com/samcharles93/keel/internal/tensor"
	"github.com/samcharles93/keel/internal/version"

	_ "github.com/samcharles93/keel/internal/backend/reference"
)

// BackendEnv selects the backend when a call does not name one.
const BackendEnv = "KEEL_BACKEND"

// LogLevelEnv sets the level of the stderr logger; the default is warn.
const LogLevelEnv = "KEEL_LOG_LEVEL"

// Handle types. The zero value of each is the null handle.
type (
	EngineHandle    handle.Handle
	ModelHandle     handle.Handle
	InstanceHandle  handle.Handle
	TensorHandle    handle.Handle
	TensorMapHandle handle.Handle
	ResultHandle    handle.Handle
)

var (
	engines   handle.Registry[*engine.Engine]
	models    handle.Registry[*session.Model]
	instances handle.Registry[*session.Instance]
	tensors   handle.Registry[*tensor.Tensor]
	maps      handle.Registry[*tensor.Map]
	results   handle.Registry[*session.ForwardResult]

	// currentDevice is the device chosen by SetDevice.
	currentDevice atomic.Int64
)

var (
	logOnce sync.Once
	log     logger.Logger
)

func lg() logger.Logger {
	logOnce.Do(func() {
		level := "warn"
		if v := os.Getenv(LogLevelEnv); v != "" {
			level = v
		}
		log = logger.JSON(os.Stderr, logger.ParseLevel(level)).With("component", "capi")
	})
	return log
}

// fail records err in the last-error slot and logs it.
func fail(op string, err error) {
	lasterror.SetError(err)
	lg().Debug("call failed", "op", op, "error", err, "category", errdefs.Category(err))
}

// status converts err into the 0 / -1 convention.
func status(op string, err error) int {
	if err != nil {
		fail(op, err)
		return -1
	}
	return 0
}

func invalidHandle(kind string) error {
	return errdefs.InvalidParams("invalid %s handle", kind)
}

// newBackend builds the backend named by name, falling back to BackendEnv
// and then the default.
func newBackend(name string) (backend.Backend, error) {
	if name == "" {
		name = os.Getenv(BackendEnv)
	}
	be, err := backend.New(name, backend.Options{Logger: lg()})
	if err != nil {
		if errors.Is(err, backend.ErrUnknown) {
			return nil, errdefs.InvalidConfig("%v", err)
		}
		return nil, errdefs.Backend("create backend", err)
	}
	return be, nil
}

// GetLastError returns the message of the most recent failure in the
// process, or "" if none.
func GetLastError() string { return lasterror.Get() }

// VersionInfo is returned by value and owns no resources.
type VersionInfo struct {
	Version        string
	GitCommit      string
	BuildTime      string
	BackendVersion string
}

// GetVersion reports the build and the version of the default backend.
func GetVersion() VersionInfo {
	info := version.Resolve()
	if be, err := newBackend(""); err == nil {
		info = info.WithBackend(be.Version())
	}
	return VersionInfo{
		Version:        info.Version,
		GitCommit:      info.Commit,
		BuildTime:      info.BuildTime,
		BackendVersion: info.Backend,
	}
}

// SetDevice selects the device used for device tensors created without an
// explicit index.
func SetDevice(deviceID int) int {
	be, err := newBackend("")
	if err != nil {
		return status("set_device", err)
	}
	if deviceID < 0 || deviceID >= be.DeviceCount() {
		return status("set_device", errdefs.InvalidParams("device %d out of range [0, %d)", deviceID, be.DeviceCount()))
	}
	currentDevice.Store(int64(deviceID))
	return 0
}
