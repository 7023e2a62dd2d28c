// Copyright 2023 The Sigsnap Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package report decodes persisted crash report files and renders them
// as human-readable transcripts. It runs well outside the crash-time
// path and is free to use ordinary memory, strings and collections.
package report

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/sigsnap/sigsnap/internal/wire"
)

// A Report is one fully-decoded crash report.
type Report struct {
	Version byte

	Info      ReportInfo
	System    SystemInfo
	Machine   MachineInfo
	App       AppInfo
	Process   ProcessInfo
	Threads   []Thread
	Images    []Image
	Exception *Exception
	Signal    Signal
}

type ReportInfo struct {
	UUID          uuid.UUID
	UserRequested bool
	Timestamp     time.Time
}

type SystemInfo struct {
	OS        string
	OSVersion string
	OSBuild   string
	Arch      string
	Timestamp time.Time
}

type MachineInfo struct {
	Model         string
	CPUType       uint32
	CPUSubtype    uint32
	PhysicalCores int
	LogicalCores  int
}

type AppInfo struct {
	Identifier       string
	Version          string
	MarketingVersion string
}

type ProcessInfo struct {
	Name       string
	PID        int
	Path       string
	ParentName string
	ParentPID  int
	Native     bool
	StartTime  time.Time
}

type Thread struct {
	ID        int
	Name      string
	Crashed   bool
	Frames    []Frame
	Registers []Register
}

type Frame struct {
	PC     uint64
	Symbol *Symbol
}

type Symbol struct {
	Name  string
	Start uint64
}

type Register struct {
	Name  string
	Value uint64
}

type Image struct {
	Base       uint64
	Size       uint64
	Path       string
	CPUType    uint32
	CPUSubtype uint32
	UUID       []byte
}

type Exception struct {
	Name   string
	Reason string
	Frames []Frame
}

type Signal struct {
	Name    string
	Code    int64
	Address uint64
	Mach    *MachException
}

type MachException struct {
	Type  uint64
	Codes []int64
}

// ErrBadHeader marks input that is not a report file, or a version
// this reader does not understand.
var ErrBadHeader = errors.New("report: bad magic or version")

// Open reads and parses a report file.
func Open(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading report file")
	}
	return Parse(data)
}

// Parse decodes a report from data. Unknown field ids are skipped so
// readers stay compatible with reports from newer writers.
func Parse(data []byte) (*Report, error) {
	if len(data) < len(wire.Magic)+1 || !bytes.Equal(data[:len(wire.Magic)], wire.Magic) {
		return nil, ErrBadHeader
	}
	version := data[len(wire.Magic)]
	if version != wire.Version {
		return nil, ErrBadHeader
	}
	r := &Report{Version: version}
	d := wire.NewDecoder(data[len(wire.Magic)+1:])
	for {
		f, err := d.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "decoding report")
		}
		switch f.ID {
		case wire.FieldReportInfo:
			err = r.Info.decode(f.Bytes)
		case wire.FieldSystemInfo:
			err = r.System.decode(f.Bytes)
		case wire.FieldMachineInfo:
			err = r.Machine.decode(f.Bytes)
		case wire.FieldAppInfo:
			err = r.App.decode(f.Bytes)
		case wire.FieldProcessInfo:
			err = r.Process.decode(f.Bytes)
		case wire.FieldThread:
			var t Thread
			if err = t.decode(f.Bytes); err == nil {
				r.Threads = append(r.Threads, t)
			}
		case wire.FieldBinaryImage:
			var im Image
			if err = im.decode(f.Bytes); err == nil {
				r.Images = append(r.Images, im)
			}
		case wire.FieldException:
			var e Exception
			if err = e.decode(f.Bytes); err == nil {
				r.Exception = &e
			}
		case wire.FieldSignal:
			err = r.Signal.decode(f.Bytes)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decoding section %d", f.ID)
		}
	}
	return r, nil
}

// CrashedThread returns the thread flagged crashed, or nil.
func (r *Report) CrashedThread() *Thread {
	for i := range r.Threads {
		if r.Threads[i].Crashed {
			return &r.Threads[i]
		}
	}
	return nil
}

// ImageForAddress returns the image containing addr, or nil.
func (r *Report) ImageForAddress(addr uint64) *Image {
	for i := range r.Images {
		im := &r.Images[i]
		if addr >= im.Base && addr-im.Base < im.Size {
			return im
		}
	}
	return nil
}

func eachField(b []byte, fn func(wire.Field) error) error {
	d := wire.NewDecoder(b)
	for {
		f, err := d.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
	}
}

func (ri *ReportInfo) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.ReportInfoUUID:
			id, err := uuid.FromBytes(f.Bytes)
			if err != nil {
				return errors.Wrap(err, "report uuid")
			}
			ri.UUID = id
		case wire.ReportInfoUserRequested:
			ri.UserRequested = f.Varint != 0
		case wire.ReportInfoTimestamp:
			ri.Timestamp = time.Unix(int64(f.Fixed), 0).UTC()
		}
		return nil
	})
}

func (si *SystemInfo) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.SystemInfoOS:
			si.OS = string(f.Bytes)
		case wire.SystemInfoOSVersion:
			si.OSVersion = string(f.Bytes)
		case wire.SystemInfoOSBuild:
			si.OSBuild = string(f.Bytes)
		case wire.SystemInfoArch:
			si.Arch = string(f.Bytes)
		case wire.SystemInfoTimestamp:
			si.Timestamp = time.Unix(int64(f.Fixed), 0).UTC()
		}
		return nil
	})
}

func (mi *MachineInfo) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.MachineInfoModel:
			mi.Model = string(f.Bytes)
		case wire.MachineInfoCPUType:
			mi.CPUType = uint32(f.Varint)
		case wire.MachineInfoCPUSubtype:
			mi.CPUSubtype = uint32(f.Varint)
		case wire.MachineInfoPhysicalCores:
			mi.PhysicalCores = int(f.Varint)
		case wire.MachineInfoLogicalCores:
			mi.LogicalCores = int(f.Varint)
		}
		return nil
	})
}

func (ai *AppInfo) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.AppInfoIdentifier:
			ai.Identifier = string(f.Bytes)
		case wire.AppInfoVersion:
			ai.Version = string(f.Bytes)
		case wire.AppInfoMarketingVersion:
			ai.MarketingVersion = string(f.Bytes)
		}
		return nil
	})
}

func (pi *ProcessInfo) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.ProcessInfoName:
			pi.Name = string(f.Bytes)
		case wire.ProcessInfoPID:
			pi.PID = int(f.Varint)
		case wire.ProcessInfoPath:
			pi.Path = string(f.Bytes)
		case wire.ProcessInfoParentName:
			pi.ParentName = string(f.Bytes)
		case wire.ProcessInfoParentPID:
			pi.ParentPID = int(f.Varint)
		case wire.ProcessInfoNative:
			pi.Native = f.Varint != 0
		case wire.ProcessInfoStartTime:
			pi.StartTime = time.Unix(int64(f.Fixed), 0).UTC()
		}
		return nil
	})
}

func (t *Thread) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.ThreadID:
			t.ID = int(f.Varint)
		case wire.ThreadCrashed:
			t.Crashed = f.Varint != 0
		case wire.ThreadName:
			t.Name = string(f.Bytes)
		case wire.ThreadFrame:
			var fr Frame
			if err := fr.decode(f.Bytes); err != nil {
				return err
			}
			t.Frames = append(t.Frames, fr)
		case wire.ThreadRegister:
			var reg Register
			if err := reg.decode(f.Bytes); err != nil {
				return err
			}
			t.Registers = append(t.Registers, reg)
		}
		return nil
	})
}

func (fr *Frame) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.FramePC:
			fr.PC = f.Fixed
		case wire.FrameSymbol:
			var s Symbol
			if err := s.decode(f.Bytes); err != nil {
				return err
			}
			fr.Symbol = &s
		}
		return nil
	})
}

func (s *Symbol) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.SymbolName:
			s.Name = string(f.Bytes)
		case wire.SymbolStart:
			s.Start = f.Fixed
		}
		return nil
	})
}

func (reg *Register) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.RegisterName:
			reg.Name = string(f.Bytes)
		case wire.RegisterValue:
			reg.Value = f.Fixed
		}
		return nil
	})
}

func (im *Image) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.BinaryImageBase:
			im.Base = f.Fixed
		case wire.BinaryImageSize:
			im.Size = f.Varint
		case wire.BinaryImagePath:
			im.Path = string(f.Bytes)
		case wire.BinaryImageCPUType:
			im.CPUType = uint32(f.Varint)
		case wire.BinaryImageCPUSubtype:
			im.CPUSubtype = uint32(f.Varint)
		case wire.BinaryImageUUID:
			im.UUID = append([]byte(nil), f.Bytes...)
		}
		return nil
	})
}

func (e *Exception) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.ExceptionName:
			e.Name = string(f.Bytes)
		case wire.ExceptionReason:
			e.Reason = string(f.Bytes)
		case wire.ExceptionFrame:
			var fr Frame
			if err := fr.decode(f.Bytes); err != nil {
				return err
			}
			e.Frames = append(e.Frames, fr)
		}
		return nil
	})
}

func (s *Signal) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.SignalName:
			s.Name = string(f.Bytes)
		case wire.SignalCode:
			s.Code = int64(f.Varint)
		case wire.SignalAddress:
			s.Address = f.Fixed
		case wire.SignalMach:
			var m MachException
			if err := m.decode(f.Bytes); err != nil {
				return err
			}
			s.Mach = &m
		}
		return nil
	})
}

func (m *MachException) decode(b []byte) error {
	return eachField(b, func(f wire.Field) error {
		switch f.ID {
		case wire.MachExceptionType:
			m.Type = f.Varint
		case wire.MachExceptionCode:
			m.Codes = append(m.Codes, int64(f.Varint))
		}
		return nil
	})
}
