// Package landlockadapt installs a configs.LandlockRuleset using the
// real Landlock LSM binding for Go.
//
// No repo in the retrieval pack touches Landlock (runc's libcontainer
// has no support for it), so this package names a real, commonly used
// ecosystem library (github.com/landlock-lsm/go-landlock) rather than
// inventing one (see DESIGN.md). It builds a single landlock.V5
// config, made best-effort when the ruleset's Mode is BestEffort, and
// applies the path rules and then the network rules with it; there is
// no separate baseline-ABI step at the strictest mode.
package landlockadapt

import (
	"fmt"

	"github.com/landlock-lsm/go-landlock/landlock"

	"github.com/hakoniwa-dev/hakoniwa-go/configs"
)

// Install applies ruleset's path and network rules to the calling
// process (which must be the target process, shortly before exec:
// Landlock restrictions are inherited across exec and cannot be
// loosened afterwards).
func Install(ruleset *configs.LandlockRuleset) error {
	if ruleset == nil {
		return nil
	}

	cfg := landlock.V5
	if ruleset.Mode == configs.LandlockBestEffort {
		cfg = cfg.BestEffort()
	}

	if ruleset.RestrictFS {
		pathRules := make([]landlock.Rule, 0, len(ruleset.PathRules))
		for _, rule := range ruleset.PathRules {
			pathRules = append(pathRules, pathRuleFor(rule))
		}
		if err := cfg.RestrictPaths(pathRules...); err != nil {
			return wrapRestrictErr(ruleset.Mode, "paths", err)
		}
	}

	if ruleset.RestrictNet {
		netRules := make([]landlock.Rule, 0, len(ruleset.NetRules)*2)
		for _, rule := range ruleset.NetRules {
			if rule.Bind {
				netRules = append(netRules, landlock.BindTCP(rule.Port))
			}
			if rule.Connect {
				netRules = append(netRules, landlock.ConnectTCP(rule.Port))
			}
		}
		if err := cfg.RestrictNet(netRules...); err != nil {
			return wrapRestrictErr(ruleset.Mode, "network", err)
		}
	}

	return nil
}

// pathRuleFor classifies a LandlockPathRule into the library's
// directory/file, read-only/read-write helper constructors, using only
// two questions: does the rule carry ReadDir or MakeDir (directory),
// and does it carry WriteFile or any Make*/Remove* bit (read-write).
// The Execute bit is not examined, so a read+execute rule is treated
// like a read-only one, and a writable directory rule keeps the
// execute access the library's RWDirs grants.
func pathRuleFor(rule configs.LandlockPathRule) landlock.Rule {
	const writeBits = configs.LandlockAccessWriteFile |
		configs.LandlockAccessMakeChar | configs.LandlockAccessMakeDir |
		configs.LandlockAccessMakeReg | configs.LandlockAccessMakeSock |
		configs.LandlockAccessMakeFifo | configs.LandlockAccessMakeBlock |
		configs.LandlockAccessMakeSym | configs.LandlockAccessRemoveDir |
		configs.LandlockAccessRemoveFile

	isDir := rule.Access&(configs.LandlockAccessReadDir|configs.LandlockAccessMakeDir) != 0
	isWrite := rule.Access&writeBits != 0

	switch {
	case isDir && isWrite:
		return landlock.RWDirs(rule.Path)
	case isDir:
		return landlock.RODirs(rule.Path)
	case isWrite:
		return landlock.RWFiles(rule.Path)
	default:
		return landlock.ROFiles(rule.Path)
	}
}

func wrapRestrictErr(mode configs.LandlockMode, what string, err error) error {
	if mode != configs.LandlockHardRequirement {
		// BestEffort rulesets silently narrow rather than fail.
		return nil
	}
	return &configs.LandlockError{
		Kind: configs.LandlockErrorUnsupported,
		Err:  fmt.Errorf("restricting %s: %w", what, err),
	}
}
