package hakoniwa

import "github.com/hakoniwa-dev/hakoniwa-go/configs"

// The error taxonomy lives in package configs, since the adapters that
// raise it (internal/stage, internal/landlockadapt, internal/seccompadapt,
// configs.Container.Validate) sit below this package in the import
// graph. These aliases let callers write hakoniwa.PathError instead of
// reaching into the configs package themselves.
type (
	PathError         = configs.PathError
	ProcessErrorKind  = configs.ProcessErrorKind
	ProcessError      = configs.ProcessError
	LandlockErrorKind = configs.LandlockErrorKind
	LandlockError     = configs.LandlockError
	SeccompError      = configs.SeccompError
)

const (
	ProcessErrorSpawn                         = configs.ProcessErrorSpawn
	ProcessErrorExec                          = configs.ProcessErrorExec
	ProcessErrorWait                          = configs.ProcessErrorWait
	ProcessErrorNix                           = configs.ProcessErrorNix
	ProcessErrorStdIo                         = configs.ProcessErrorStdIo
	ProcessErrorSetupNetworkFailed            = configs.ProcessErrorSetupNetworkFailed
	ProcessErrorSetupUGidmapFailed            = configs.ProcessErrorSetupUGidmapFailed
	ProcessErrorBincodeDecode                 = configs.ProcessErrorBincodeDecode
	ProcessErrorSetUserFailed                 = configs.ProcessErrorSetUserFailed
	ProcessErrorMountProcfsEPERM              = configs.ProcessErrorMountProcfsEPERM
	ProcessErrorMountSourcePathMustBeAbsolute = configs.ProcessErrorMountSourcePathMustBeAbsolute
	ProcessErrorMountTargetPathMustBeAbsolute = configs.ProcessErrorMountTargetPathMustBeAbsolute

	LandlockErrorUnsupported        = configs.LandlockErrorUnsupported
	LandlockErrorRestrict           = configs.LandlockErrorRestrict
	LandlockErrorPathMustBeAbsolute = configs.LandlockErrorPathMustBeAbsolute
)

var (
	MountProcfsEPERM              = configs.MountProcfsEPERM
	MountSourcePathMustBeAbsolute = configs.MountSourcePathMustBeAbsolute
	MountTargetPathMustBeAbsolute = configs.MountTargetPathMustBeAbsolute
	SetupNetworkFailed            = configs.SetupNetworkFailed
	SetupUGidmapFailed            = configs.SetupUGidmapFailed
	SetUserFailed                 = configs.SetUserFailed
	NixError                      = configs.NixError
	StdIoError                    = configs.StdIoError
	BincodeDecodeError            = configs.BincodeDecodeError
	LandlockPathMustBeAbsolute    = configs.LandlockPathMustBeAbsolute
)
