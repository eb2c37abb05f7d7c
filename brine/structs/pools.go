// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"strings"

	multierror "github.com/hashicorp/go-multierror"
)

// PoolCatchall is the wildcard command entry. A pool whose commands list is
// exactly [PoolCatchall] receives every request not explicitly mapped.
const PoolCatchall = "*"

// DefaultWorkerThreads is the legacy worker_threads fallback used to
// synthesize a single catchall pool when no pools are configured.
const DefaultWorkerThreads = 5

// LegacyPoolName is the pool synthesized from legacy worker_threads.
const LegacyPoolName = "default"

// PoolConfig declares one worker pool: how many workers it runs and which
// command names route to it.
type PoolConfig struct {
	WorkerCount int      `mapstructure:"worker_count"`
	Commands    []string `mapstructure:"commands"`
}

// Copy returns a deep copy of the pool config.
func (p *PoolConfig) Copy() *PoolConfig {
	if p == nil {
		return nil
	}
	np := &PoolConfig{WorkerCount: p.WorkerCount}
	np.Commands = make([]string, len(p.Commands))
	copy(np.Commands, p.Commands)
	return np
}

// IsCatchall reports whether the pool's command list is exactly the
// wildcard.
func (p *PoolConfig) IsCatchall() bool {
	return len(p.Commands) == 1 && p.Commands[0] == PoolCatchall
}

// WorkerPoolsConfig maps pool name to pool definition.
type WorkerPoolsConfig map[string]*PoolConfig

// LegacyWorkerPools synthesizes the single-catchall pool layout from the
// legacy worker_threads option.
func LegacyWorkerPools(workerThreads int) WorkerPoolsConfig {
	if workerThreads < 1 {
		workerThreads = DefaultWorkerThreads
	}
	return WorkerPoolsConfig{
		LegacyPoolName: {
			WorkerCount: workerThreads,
			Commands:    []string{PoolCatchall},
		},
	}
}

// Copy returns a deep copy of the pools config.
func (w WorkerPoolsConfig) Copy() WorkerPoolsConfig {
	if w == nil {
		return nil
	}
	nw := make(WorkerPoolsConfig, len(w))
	for name, pool := range w {
		nw[name] = pool.Copy()
	}
	return nw
}

// Catchall returns the name of the pool holding the wildcard, if any.
func (w WorkerPoolsConfig) Catchall() (string, bool) {
	for name, pool := range w {
		if pool != nil && pool.IsCatchall() {
			return name, true
		}
	}
	return "", false
}

// TotalWorkers returns the sum of worker counts across pools.
func (w WorkerPoolsConfig) TotalWorkers() int {
	total := 0
	for _, pool := range w {
		if pool != nil {
			total += pool.WorkerCount
		}
	}
	return total
}

// ValidatePoolName enforces the pool naming rules. Pool names become part of
// metrics keys and log lines but never filesystem paths; the path-traversal
// shapes are still rejected outright.
func ValidatePoolName(name string) error {
	if name == "" {
		return fmt.Errorf("pool name must not be empty")
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("pool name must not contain a null byte")
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("pool name %q must not contain path separators", name)
	}
	if name == ".." || strings.HasPrefix(name, "../") || strings.HasPrefix(name, `..\`) {
		return fmt.Errorf("pool name %q must not be a relative path", name)
	}
	return nil
}

// Validate checks the full pool layout. Any violation is fatal at master
// startup; all violations are reported together so operators fix the config
// in one pass. defaultPool is the worker_pool_default option, which must
// name an existing pool whenever no catchall pool exists.
func (w WorkerPoolsConfig) Validate(defaultPool string) error {
	var mErr multierror.Error

	if len(w) == 0 {
		mErr.Errors = append(mErr.Errors, fmt.Errorf("worker pools config must not be empty"))
		return mErr.ErrorOrNil()
	}

	catchalls := []string{}
	commandOwner := map[string]string{}

	for name, pool := range w {
		if err := ValidatePoolName(name); err != nil {
			mErr.Errors = append(mErr.Errors, err)
		}
		if pool == nil {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("pool %q has no definition", name))
			continue
		}
		if pool.WorkerCount < 1 {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("pool %q worker_count must be at least 1, got %d", name, pool.WorkerCount))
		}
		if len(pool.Commands) == 0 {
			mErr.Errors = append(mErr.Errors, fmt.Errorf("pool %q declares no commands", name))
			continue
		}

		if pool.IsCatchall() {
			catchalls = append(catchalls, name)
			continue
		}
		for _, cmd := range pool.Commands {
			if cmd == "" {
				mErr.Errors = append(mErr.Errors, fmt.Errorf("pool %q declares an empty command name", name))
				continue
			}
			if cmd == PoolCatchall {
				mErr.Errors = append(mErr.Errors,
					fmt.Errorf("pool %q mixes the wildcard with literal commands", name))
				continue
			}
			if owner, dup := commandOwner[cmd]; dup {
				mErr.Errors = append(mErr.Errors,
					fmt.Errorf("command %q mapped to multiple pools (%s, %s)", cmd, owner, name))
				continue
			}
			commandOwner[cmd] = name
		}
	}

	if len(catchalls) > 1 {
		mErr.Errors = append(mErr.Errors,
			fmt.Errorf("multiple pools declare the catchall wildcard: %s", strings.Join(catchalls, ", ")))
	}

	if len(catchalls) == 0 {
		if defaultPool == "" {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("no catchall pool exists and worker_pool_default is unset"))
		} else if _, ok := w[defaultPool]; !ok {
			mErr.Errors = append(mErr.Errors,
				fmt.Errorf("worker_pool_default %q does not name an existing pool", defaultPool))
		}
	}

	return mErr.ErrorOrNil()
}
