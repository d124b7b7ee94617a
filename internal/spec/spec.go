// Package spec loads the declarative application specification and the
// companion runtime files the client-side launcher stages alongside it.
// Loading is a one-shot, startup-only operation; nothing here is mutated
// once the AM enters its provisioning loop.
package spec

import (
	"encoding/json"
	"fmt"
	"os"

	"weave/internal/common"
)

// OrderType distinguishes the two kinds of startup barrier a group of
// runnables can impose on the next group.
type OrderType string

const (
	OrderStarted   OrderType = "STARTED"
	OrderCompleted OrderType = "COMPLETED"
)

// Order is one startup group: every runnable named here is requested in
// parallel; the provisioning loop requests the next Order in the list once
// every container requested for this one has been acquired. Type is
// loaded from the spec file, but the provisioning loop treats STARTED and
// COMPLETED alike.
type Order struct {
	Names []string  `json:"names"`
	Type  OrderType `json:"type"`
}

// RuntimeSpec is the resource profile and desired instance count for one
// runnable, plus the files it needs localized and its opaque runnable
// configuration blob (interpreted by the launcher/runnable host, not the
// AM).
type RuntimeSpec struct {
	Resource     ResourceSpec    `json:"resource"`
	LocalFiles   []string        `json:"localFiles"`
	RunnableSpec json.RawMessage `json:"runnableSpec"`
}

// ResourceSpec is the JSON shape of a runnable's resource profile; it is
// converted to common.Resource once at load time.
type ResourceSpec struct {
	VCores    int32 `json:"vcores"`
	MemoryMB  int64 `json:"memoryMB"`
	Instances int   `json:"instances"`
}

func (r ResourceSpec) Capability() common.Resource {
	return common.Resource{VCores: r.VCores, MemoryMB: r.MemoryMB}
}

// EventHandlerSpec names the pluggable handler (internal/eventhandler's
// registry) and its opaque config.
type EventHandlerSpec struct {
	Classname string          `json:"classname"`
	Config    json.RawMessage `json:"config,omitempty"`
}

// Application is the immutable, load-once specification of everything
// the AM is responsible for running.
type Application struct {
	Name         string                 `json:"name"`
	Runnables    map[string]RuntimeSpec `json:"runnables"`
	Orders       []Order                `json:"orders"`
	EventHandler EventHandlerSpec       `json:"eventHandler"`
}

// Validate enforces the structural invariants the provisioning loop
// assumes: every runnable named in an Order must exist, and each
// runnable appears in at most one Order's startup sequence.
func (a *Application) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: application name is required", common.ErrInvalidParameter)
	}
	seen := make(map[string]bool)
	for i, order := range a.Orders {
		for _, name := range order.Names {
			if _, ok := a.Runnables[name]; !ok {
				return fmt.Errorf("%w: order %d references unknown runnable %q", common.ErrInvalidParameter, i, name)
			}
			if seen[name] {
				return fmt.Errorf("%w: runnable %q appears in more than one order", common.ErrInvalidParameter, name)
			}
			seen[name] = true
		}
	}
	for name, rs := range a.Runnables {
		if err := common.ValidateResource(rs.Resource.Capability()); err != nil {
			return fmt.Errorf("runnable %q: %w", name, err)
		}
		if rs.Resource.Instances < 0 {
			return fmt.Errorf("%w: runnable %q has negative instance count", common.ErrInvalidParameter, name)
		}
	}
	return nil
}

// Load parses weave.spec.json. A missing or malformed file is fatal at
// startup: there is no partial-application mode to fall back to.
func Load(path string) (*Application, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec file %s: %w", path, err)
	}
	var app Application
	if err := json.Unmarshal(data, &app); err != nil {
		return nil, fmt.Errorf("parsing spec file %s: %w", path, err)
	}
	if err := app.Validate(); err != nil {
		return nil, fmt.Errorf("validating spec file %s: %w", path, err)
	}
	return &app, nil
}

// Arguments is the parsed shape of arguments.json: per-runnable argv
// overrides layered onto the launch context by launcher.HTTPLauncher.
type Arguments map[string][]string

func LoadArguments(path string) (Arguments, error) {
	return loadOptionalJSON[Arguments](path, Arguments{})
}

// LocalizedFile is one entry of localizeFiles.json, naming a file for a
// runnable's containers. The AM loads these entries into
// am.Config.LocalFiles but does not pass them to the launcher; a launch
// carries only the runnable's own RuntimeSpec.LocalFiles.
type LocalizedFile struct {
	RunnableName string `json:"runnableName"`
	Source       string `json:"source"`
	Dest         string `json:"dest"`
}

func LoadLocalizedFiles(path string) ([]LocalizedFile, error) {
	return loadOptionalJSON[[]LocalizedFile](path, nil)
}

// loadOptionalJSON reads and decodes an optional startup file; a missing
// file yields zero, a malformed one is still an error (these files are
// part of the client/AM contract, same as weave.spec.json).
func loadOptionalJSON[T any](path string, zero T) (T, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return zero, nil
	}
	if err != nil {
		return zero, fmt.Errorf("reading %s: %w", path, err)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, fmt.Errorf("parsing %s: %w", path, err)
	}
	return v, nil
}

// LoadJVMOpts and LoadLogbackTemplate read the two opaque passthrough
// files verbatim; the AM does not interpret their contents, it only
// forwards them to the launcher.
func LoadJVMOpts(path string) (string, error) {
	return loadOptionalText(path)
}

func LoadLogbackTemplate(path string) (string, error) {
	return loadOptionalText(path)
}

func loadOptionalText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}
