package configs

// LandlockMode controls how strictly a Landlock ruleset is enforced:
// a HardRequirement ruleset aborts the launch if the running kernel
// lacks the needed Landlock ABI version, while a BestEffort ruleset
// silently narrows itself to whatever the kernel supports.
//
// Grounded on original_source/hakoniwa/src/landlock/ruleset.rs, which
// has no precedent in the teacher pack (runc has no Landlock support).
type LandlockMode int

const (
	LandlockHardRequirement LandlockMode = iota + 1
	LandlockBestEffort
)

// LandlockAccess is a bitmask of the filesystem access rights a
// LandlockPathRule grants for its path.
type LandlockAccess uint32

const (
	LandlockAccessExecute LandlockAccess = 1 << iota
	LandlockAccessWriteFile
	LandlockAccessReadFile
	LandlockAccessReadDir
	LandlockAccessRemoveDir
	LandlockAccessRemoveFile
	LandlockAccessMakeChar
	LandlockAccessMakeDir
	LandlockAccessMakeReg
	LandlockAccessMakeSock
	LandlockAccessMakeFifo
	LandlockAccessMakeBlock
	LandlockAccessMakeSym
)

// LandlockPathRule grants the given access bits for the filesystem
// subtree rooted at Path.
type LandlockPathRule struct {
	Path   string         `json:"path"`
	Access LandlockAccess `json:"access"`
}

// LandlockNetRule grants TCP bind or connect access to a single port.
type LandlockNetRule struct {
	Port    uint16 `json:"port"`
	Bind    bool   `json:"bind"`
	Connect bool   `json:"connect"`
}

// LandlockRuleset is the full Landlock configuration for a container:
// which FS/network access rights are restricted at all, and which
// paths/ports are carved out as exceptions.
type LandlockRuleset struct {
	Mode        LandlockMode       `json:"mode"`
	PathRules   []LandlockPathRule `json:"path_rules,omitempty"`
	NetRules    []LandlockNetRule  `json:"net_rules,omitempty"`
	RestrictFS  bool               `json:"restrict_fs"`
	RestrictNet bool               `json:"restrict_net"`
}
