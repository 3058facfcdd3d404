package diag

import (
	"fmt"
)

type Code uint16

const (
	// Неизвестная ошибка - на первое время
	UnknownCode Code = 0

	// Файловая система
	IOInfo          Code = 1000
	IOReadFailed    Code = 1001
	IOWriteFailed   Code = 1002
	IORemoveFailed  Code = 1003
	IOCopyFailed    Code = 1004
	IOTempDirFailed Code = 1005
	IONotWritable   Code = 1006

	// Конфигурация
	CfgInfo            Code = 1100
	CfgManifestInvalid Code = 1101
	CfgUnknownTarget   Code = 1102
	CfgBadOption       Code = 1103
	CfgDependencyCycle Code = 1104

	// Кодогенерация
	CGNInfo                Code = 2000
	CGNUnknownPass         Code = 2001
	CGNWholeProgramWorkers Code = 2002
	CGNWorkerPanic         Code = 2003
	CGNEmitFailed          Code = 2004
	CGNParseFailed         Code = 2005
	CGNOptimizeFailed      Code = 2006
	CGNLTOFailed           Code = 2007
	CGNUnitDisposed        Code = 2008
	CGNCleanupFailed       Code = 2009

	// Архивы
	ARCInfo            Code = 3000
	ARCToolFailed      Code = 3001
	ARCLibraryNotFound Code = 3002
	ARCFirstNotObject  Code = 3003
	ARCBadArchive      Code = 3004
	ARCEmptyAfterStrip Code = 3005
	ARCMemberNotFound  Code = 3006

	// Линковка
	LNKInfo             Code = 4000
	LNKLinkerFailed     Code = 4001
	LNKNativeArtifacts  Code = 4002
	LNKCrateTypeSkipped Code = 4003
	LNKLinkArgs         Code = 4004
	LNKDsymutilFailed   Code = 4005
	LNKStripFailed      Code = 4006
	LNKMissingUpstream  Code = 4007

	// Внешние инструменты
	TLCInfo         Code = 5000
	TLCNotFound     Code = 5001
	TLCBadVersion   Code = 5002
	TLCCommandError Code = 5003

	// Restricted ABI (PNaCl)
	ABIInfo              Code = 6000
	ABISupportMissing    Code = 6001
	ABIMergeFailed       Code = 6002
	ABIFrameworkLinked   Code = 6003
	ABIRestrictionFailed Code = 6004
	ABITranslateFailed   Code = 6005
)

var (
	codeDescription = map[Code]string{
		UnknownCode:            "Unknown error",
		IOInfo:                 "I/O information",
		IOReadFailed:           "failed to read file",
		IOWriteFailed:          "failed to write file",
		IORemoveFailed:         "failed to remove file",
		IOCopyFailed:           "failed to copy file",
		IOTempDirFailed:        "failed to create temporary directory",
		IONotWritable:          "output file is not writable",
		CfgInfo:                "Configuration information",
		CfgManifestInvalid:     "invalid crate manifest",
		CfgUnknownTarget:       "unknown target triple",
		CfgBadOption:           "invalid option value",
		CfgDependencyCycle:     "dependency cycle between crates",
		CGNInfo:                "Codegen information",
		CGNUnknownPass:         "unknown optimization pass",
		CGNWholeProgramWorkers: "whole-program optimization requires a single codegen unit",
		CGNWorkerPanic:         "codegen worker panicked",
		CGNEmitFailed:          "could not emit output",
		CGNParseFailed:         "could not load compilation unit",
		CGNOptimizeFailed:      "optimization failed",
		CGNLTOFailed:           "link-time optimization failed",
		CGNUnitDisposed:        "compilation unit used after dispose",
		CGNCleanupFailed:       "failed to clean up intermediate output",
		ARCInfo:                "Archive information",
		ARCToolFailed:          "archiver failed",
		ARCLibraryNotFound:     "could not find native static library",
		ARCFirstNotObject:      "first archive member must be an object file",
		ARCBadArchive:          "malformed archive",
		ARCEmptyAfterStrip:     "archive has no object members after stripping",
		ARCMemberNotFound:      "archive member not found",
		LNKInfo:                "Link information",
		LNKLinkerFailed:        "linking failed",
		LNKNativeArtifacts:     "native artifacts must be linked separately",
		LNKCrateTypeSkipped:    "crate type is not supported for this target",
		LNKLinkArgs:            "linker arguments",
		LNKDsymutilFailed:      "dsymutil failed",
		LNKStripFailed:         "strip failed",
		LNKMissingUpstream:     "upstream crate artifact is missing",
		TLCInfo:                "Toolchain information",
		TLCNotFound:            "tool not found",
		TLCBadVersion:          "could not determine tool version",
		TLCCommandError:        "external command failed",
		ABIInfo:                "Restricted ABI information",
		ABISupportMissing:      "toolchain support unit not found",
		ABIMergeFailed:         "failed to merge bitcode",
		ABIFrameworkLinked:     "frameworks cannot be linked for this target",
		ABIRestrictionFailed:   "failed to restrict program to entry point",
		ABITranslateFailed:     "translation failed",
	}
)

func (c Code) ID() string {
	switch ic := int(c); {
	case ic >= 1000 && ic < 1100:
		return fmt.Sprintf("IO%04d", ic)
	case ic >= 1100 && ic < 2000:
		return fmt.Sprintf("CFG%04d", ic)
	case ic >= 2000 && ic < 3000:
		return fmt.Sprintf("CGN%04d", ic)
	case ic >= 3000 && ic < 4000:
		return fmt.Sprintf("ARC%04d", ic)
	case ic >= 4000 && ic < 5000:
		return fmt.Sprintf("LNK%04d", ic)
	case ic >= 5000 && ic < 6000:
		return fmt.Sprintf("TLC%04d", ic)
	case ic >= 6000 && ic < 7000:
		return fmt.Sprintf("ABI%04d", ic)
	}
	return "E0000"
}

func (c Code) Title() string {
	desc, ok := codeDescription[c]
	if !ok {
		return codeDescription[Code(0)]
	}
	return desc
}

func (c Code) String() string {
	return fmt.Sprintf("[%s]: %s", c.ID(), c.Title())
}
