// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wire

// Report file schema. Field ids and wire types are stable across
// versions: readers of old reports must keep working, so new fields
// take new ids and old ids are never reused.

// Magic is the fixed byte sequence opening every report file,
// followed by a single version byte.
var Magic = []byte("sigsnap")

// Version is the current report format version.
const Version = 1

// Top-level sections, in the order the orchestrator writes them.
const (
	FieldReportInfo  = 1
	FieldSystemInfo  = 2
	FieldMachineInfo = 3
	FieldAppInfo     = 4
	FieldProcessInfo = 5
	FieldThread      = 6 // repeated
	FieldBinaryImage = 7 // repeated
	FieldException   = 8 // optional
	FieldSignal      = 9
)

// ReportInfo fields.
const (
	ReportInfoUUID          = 1
	ReportInfoUserRequested = 2
	ReportInfoTimestamp     = 3
)

// SystemInfo fields.
const (
	SystemInfoOS        = 1
	SystemInfoOSVersion = 2
	SystemInfoOSBuild   = 3
	SystemInfoArch      = 4
	SystemInfoTimestamp = 5
)

// MachineInfo fields.
const (
	MachineInfoModel         = 1
	MachineInfoCPUType       = 2
	MachineInfoCPUSubtype    = 3
	MachineInfoPhysicalCores = 4
	MachineInfoLogicalCores  = 5
)

// AppInfo fields.
const (
	AppInfoIdentifier       = 1
	AppInfoVersion          = 2
	AppInfoMarketingVersion = 3
)

// ProcessInfo fields.
const (
	ProcessInfoName       = 1
	ProcessInfoPID        = 2
	ProcessInfoPath       = 3
	ProcessInfoParentName = 4
	ProcessInfoParentPID  = 5
	ProcessInfoNative     = 6
	ProcessInfoStartTime  = 7
)

// Thread fields.
const (
	ThreadID       = 1
	ThreadCrashed  = 2
	ThreadFrame    = 3 // repeated
	ThreadRegister = 4 // repeated
	ThreadName     = 5
)

// Frame fields.
const (
	FramePC     = 1
	FrameSymbol = 2
)

// Symbol fields.
const (
	SymbolName  = 1
	SymbolStart = 2
)

// Register fields.
const (
	RegisterName  = 1
	RegisterValue = 2
)

// BinaryImage fields.
const (
	BinaryImageBase       = 1
	BinaryImageSize       = 2
	BinaryImagePath       = 3
	BinaryImageCPUType    = 4
	BinaryImageCPUSubtype = 5
	BinaryImageUUID       = 6
)

// Exception fields.
const (
	ExceptionName   = 1
	ExceptionReason = 2
	ExceptionFrame  = 3 // repeated
)

// Signal fields.
const (
	SignalName    = 1
	SignalCode    = 2
	SignalAddress = 3
	SignalMach    = 4
)

// Mach exception fields (hardware-level detail inside Signal).
const (
	MachExceptionType = 1
	MachExceptionCode = 2 // repeated
)
