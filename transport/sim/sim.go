// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package sim provides an in-memory sensor that implements
// transport.Transport by playing the firmware side of the wire
// protocol. The daemon runs against it in --simulate mode and the
// test suites drive it directly: finger presence, match outcomes,
// and transport faults are all scriptable.
package sim

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/fpproto"
	"github.com/openfpc/fpcd/transport"
)

// Endpoint addresses the simulated interface exposes, matching the
// real sensor's descriptor.
const (
	EndpointIn  uint8 = 0x81
	EndpointOut uint8 = 0x02
)

// DefaultFirmwareVersion is reported by GetInfo unless overridden.
const DefaultFirmwareVersion = "021.26.2.031"

// faultClear says which reset dissolves an injected transfer fault.
type faultClear int

const (
	clearNever faultClear = iota
	clearOnInterfaceReset
	clearOnHardwareReset
)

type transferFault struct {
	err       error
	remaining int // -1 means until cleared by a reset
	clearOn   faultClear
}

// enrollState is the firmware-side enrollment session.
type enrollState struct {
	slot             uint8
	name             string
	qualityThreshold uint8
	stage            uint8
	stageCount       uint8
	qualitySum       int
}

// Sensor is one simulated fingerprint sensor.
type Sensor struct {
	mu sync.Mutex

	info      device.Info
	templates map[uint8]device.Template
	power     fpproto.PowerParams
	enroll    *enrollState

	// pending holds the framed response for the next bulk-in read.
	pending []byte

	// Finger simulation. matchSlot zero means the pressed finger
	// matches nothing.
	fingerDown      bool
	fingerQuality   uint8
	matchSlot       uint8
	matchConfidence uint8

	// Fault injection.
	fault         *transferFault
	malformedNext int

	detached bool

	interfaceResets int
	hardwareResets  int
}

// Option configures a Sensor.
type Option func(*Sensor)

// WithInfo overrides the device descriptor.
func WithInfo(info device.Info) Option {
	return func(s *Sensor) { s.info = info }
}

// WithTemplates preloads the template store, as if enrolled before a
// daemon restart.
func WithTemplates(templates []device.Template) Option {
	return func(s *Sensor) {
		for _, template := range templates {
			s.templates[template.Slot] = template
		}
	}
}

// New creates a simulated sensor with the family-default descriptor:
// 192×192 grayscale imager, ten template slots.
func New(options ...Option) *Sensor {
	sensor := &Sensor{
		info: device.Info{
			VendorID:         transport.VendorFPC,
			ProductID:        transport.ProductFPC9201,
			FirmwareVersion:  DefaultFirmwareVersion,
			ImageWidth:       192,
			ImageHeight:      192,
			TemplateCapacity: device.MaxTemplates,
			Capabilities: device.CapCapture | device.CapVerify |
				device.CapIdentify | device.CapTemplateStorage,
		},
		templates: make(map[uint8]device.Template),
		power:     fpproto.PowerParams{Mode: device.PowerActive},
	}
	for _, option := range options {
		option(sensor)
	}
	return sensor
}

// PressMatchingFinger places a finger that matches the template in
// the given slot at the given confidence.
func (s *Sensor) PressMatchingFinger(slot uint8, quality, confidence uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerDown = true
	s.fingerQuality = quality
	s.matchSlot = slot
	s.matchConfidence = confidence
}

// PressUnknownFinger places a finger that matches no stored template.
func (s *Sensor) PressUnknownFinger(quality uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerDown = true
	s.fingerQuality = quality
	s.matchSlot = 0
}

// RemoveFinger lifts the finger; captures report NoFinger again.
func (s *Sensor) RemoveFinger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerDown = false
}

// InjectStall makes the next transfer fail with a cleared-stall
// report, exercising the bridge's single retry.
func (s *Sensor) InjectStall() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = &transferFault{err: transport.ErrStalled, remaining: 1}
}

// InjectTimeouts makes the next count transfers time out.
func (s *Sensor) InjectTimeouts(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = &transferFault{err: transport.ErrTimeout, remaining: count}
}

// FailUntilInterfaceReset makes every transfer fail with err until
// the host resets the interface.
func (s *Sensor) FailUntilInterfaceReset(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = &transferFault{err: err, remaining: -1, clearOn: clearOnInterfaceReset}
}

// FailUntilHardwareReset makes every transfer fail with err until the
// host issues a port reset. Communication-level recovery cannot clear
// it; only the hardware-reset escalation can.
func (s *Sensor) FailUntilHardwareReset(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = &transferFault{err: err, remaining: -1, clearOn: clearOnHardwareReset}
}

// FailForever makes every transfer fail with err and no reset clears
// it, driving recovery to exhaustion.
func (s *Sensor) FailForever(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = &transferFault{err: err, remaining: -1, clearOn: clearNever}
}

// InjectMalformedResponses corrupts the next count response packets.
func (s *Sensor) InjectMalformedResponses(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.malformedNext = count
}

// ClearFaults removes any injected fault without a reset.
func (s *Sensor) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = nil
	s.malformedNext = 0
}

// Detach simulates surprise removal: every subsequent transfer and
// reset reports the device gone.
func (s *Sensor) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
}

// InterfaceResets reports how many interface resets the host issued.
func (s *Sensor) InterfaceResets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interfaceResets
}

// HardwareResets reports how many port resets the host issued.
func (s *Sensor) HardwareResets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardwareResets
}

// Templates returns a snapshot of the template store.
func (s *Sensor) Templates() []device.Template {
	s.mu.Lock()
	defer s.mu.Unlock()
	templates := make([]device.Template, 0, len(s.templates))
	for _, template := range s.templates {
		templates = append(templates, template)
	}
	slices.SortFunc(templates, func(a, b device.Template) int {
		return int(a.Slot) - int(b.Slot)
	})
	return templates
}

// Transfer implements transport.Transport. Out transfers execute the
// command synchronously and stage the response; In transfers drain
// it.
func (s *Sensor) Transfer(ctx context.Context, direction transport.Direction, endpoint uint8, buffer []byte, timeout time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return 0, transport.ErrDeviceGone
	}
	if s.fault != nil {
		fault := s.fault
		if fault.remaining > 0 {
			fault.remaining--
			if fault.remaining == 0 {
				s.fault = nil
			}
		}
		return 0, fault.err
	}

	switch direction {
	case transport.Out:
		if endpoint != EndpointOut {
			return 0, transport.ErrStalled
		}
		command, err := fpproto.DecodeCommand(buffer)
		if err != nil {
			// Firmware drops garbage frames; the host read then
			// times out.
			s.pending = nil
			return len(buffer), nil
		}
		response := s.execute(command)
		packet, err := response.Encode()
		if err != nil {
			return 0, err
		}
		if s.malformedNext > 0 {
			s.malformedNext--
			packet = packet[:2]
		}
		s.pending = packet
		return len(buffer), nil

	case transport.In:
		if endpoint != EndpointIn {
			return 0, transport.ErrStalled
		}
		if s.pending == nil {
			return 0, transport.ErrTimeout
		}
		count := copy(buffer, s.pending)
		s.pending = nil
		return count, nil

	default:
		return 0, transport.ErrStalled
	}
}

// ResetInterface implements transport.Transport.
func (s *Sensor) ResetInterface() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return transport.ErrDeviceGone
	}
	s.interfaceResets++
	s.pending = nil
	if s.fault != nil && s.fault.clearOn == clearOnInterfaceReset {
		s.fault = nil
	}
	return nil
}

// ResetHardware implements transport.Transport. Templates persist in
// device storage; the enrollment session and power state do not.
func (s *Sensor) ResetHardware() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return transport.ErrDeviceGone
	}
	s.hardwareResets++
	s.pending = nil
	s.enroll = nil
	s.power = fpproto.PowerParams{Mode: device.PowerActive}
	if s.fault != nil && (s.fault.clearOn == clearOnHardwareReset || s.fault.clearOn == clearOnInterfaceReset) {
		s.fault = nil
	}
	return nil
}

// Close implements transport.Transport.
func (s *Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	return nil
}

// execute runs one command against the firmware state. Caller holds
// the lock.
func (s *Sensor) execute(command fpproto.Command) fpproto.Response {
	switch command.Opcode {
	case fpproto.OpGetInfo:
		return ok(fpproto.EncodeInfo(s.info))

	case fpproto.OpReset:
		s.enroll = nil
		s.power = fpproto.PowerParams{Mode: device.PowerActive}
		return ok(nil)

	case fpproto.OpCalibrate:
		params, err := fpproto.ParseCalibration(command.Payload)
		if err != nil || params.Mode > device.CalibrateAuto {
			return status(fpproto.StatusInvalid)
		}
		return ok(nil)

	case fpproto.OpCapture:
		return s.capture()

	case fpproto.OpEnrollStart:
		return s.enrollStart(command.Payload)

	case fpproto.OpEnrollContinue:
		return s.enrollContinue()

	case fpproto.OpEnrollComplete:
		return s.enrollComplete()

	case fpproto.OpVerify:
		return s.verify(command.Payload)

	case fpproto.OpIdentify:
		return s.identify(command.Payload)

	case fpproto.OpStoreTemplate:
		return s.store(command.Payload)

	case fpproto.OpLoadTemplate:
		return s.load(command.Payload)

	case fpproto.OpDeleteTemplate:
		return s.delete(command.Payload)

	case fpproto.OpListTemplates:
		return s.list()

	case fpproto.OpClearTemplates:
		s.templates = make(map[uint8]device.Template)
		return ok(nil)

	case fpproto.OpSetPower:
		params, err := fpproto.ParsePower(command.Payload)
		if err != nil {
			return status(fpproto.StatusInvalid)
		}
		s.power = params
		return ok(nil)

	case fpproto.OpGetPower:
		return ok(fpproto.EncodePower(s.power))

	default:
		return status(fpproto.StatusNotSupported)
	}
}

func (s *Sensor) capture() fpproto.Response {
	if !s.fingerDown {
		return status(fpproto.StatusNoFinger)
	}
	if s.fingerQuality < device.QualityLow {
		return status(fpproto.StatusBadImage)
	}
	image := device.Image{
		Width:   s.info.ImageWidth,
		Height:  s.info.ImageHeight,
		Format:  device.ImageFormatGray8,
		Quality: s.fingerQuality,
		Data:    synthesizeFrame(s.info.ImageWidth, s.info.ImageHeight, s.fingerQuality),
	}
	// A full frame never fits one bulk transfer raw; the firmware
	// always compresses captures.
	payload, err := fpproto.EncodeImage(image, true)
	if err != nil {
		return status(fpproto.StatusError)
	}
	return fpproto.Response{Status: fpproto.StatusOK, Flags: fpproto.FlagCompressed, Payload: payload}
}

func (s *Sensor) enrollStart(payload []byte) fpproto.Response {
	params, err := fpproto.ParseEnrollStart(payload)
	if err != nil {
		return status(fpproto.StatusInvalid)
	}
	if s.enroll != nil {
		return status(fpproto.StatusBusy)
	}
	if params.Slot < 1 || params.Slot > s.info.TemplateCapacity {
		return status(fpproto.StatusInvalid)
	}
	if _, exists := s.templates[params.Slot]; exists {
		return status(fpproto.StatusExists)
	}
	if len(s.templates) >= int(s.info.TemplateCapacity) {
		return status(fpproto.StatusStorageFull)
	}
	s.enroll = &enrollState{
		slot:             params.Slot,
		name:             params.Name,
		qualityThreshold: params.QualityThreshold,
		stageCount:       fpproto.EnrollStageCount,
	}
	return ok(nil)
}

func (s *Sensor) enrollContinue() fpproto.Response {
	if s.enroll == nil {
		return status(fpproto.StatusInvalid)
	}
	if !s.fingerDown {
		return status(fpproto.StatusNoFinger)
	}
	if s.fingerQuality < s.enroll.qualityThreshold {
		return status(fpproto.StatusBadImage)
	}
	s.enroll.stage++
	s.enroll.qualitySum += int(s.fingerQuality)
	return ok(fpproto.EncodeEnrollProgress(fpproto.EnrollProgress{
		Stage:      s.enroll.stage,
		StageCount: s.enroll.stageCount,
		Quality:    s.fingerQuality,
	}))
}

func (s *Sensor) enrollComplete() fpproto.Response {
	if s.enroll == nil || s.enroll.stage < s.enroll.stageCount {
		return status(fpproto.StatusInvalid)
	}
	template := device.Template{
		Slot:    s.enroll.slot,
		Type:    device.TemplateProprietary,
		Quality: uint8(s.enroll.qualitySum / int(s.enroll.stageCount)),
		Name:    s.enroll.name,
		Data:    synthesizeTemplate(s.enroll.slot, s.enroll.name),
	}
	s.templates[template.Slot] = template
	s.enroll = nil
	payload, err := fpproto.EncodeTemplate(template)
	if err != nil {
		return status(fpproto.StatusError)
	}
	return ok(payload)
}

func (s *Sensor) verify(payload []byte) fpproto.Response {
	params, err := fpproto.ParseVerify(payload)
	if err != nil {
		return status(fpproto.StatusInvalid)
	}
	if _, exists := s.templates[params.Slot]; !exists {
		return status(fpproto.StatusInvalid)
	}
	if !s.fingerDown {
		return status(fpproto.StatusNoFinger)
	}
	if s.fingerQuality < params.QualityThreshold {
		return status(fpproto.StatusBadImage)
	}
	if s.matchSlot != params.Slot {
		return status(fpproto.StatusNoMatch)
	}
	return ok(fpproto.EncodeMatchResult(fpproto.MatchResult{
		Slot:       params.Slot,
		Confidence: s.matchConfidence,
	}))
}

func (s *Sensor) identify(payload []byte) fpproto.Response {
	params, err := fpproto.ParseIdentify(payload)
	if err != nil {
		return status(fpproto.StatusInvalid)
	}
	if !s.fingerDown {
		return status(fpproto.StatusNoFinger)
	}
	if s.fingerQuality < params.QualityThreshold {
		return status(fpproto.StatusBadImage)
	}
	if _, exists := s.templates[s.matchSlot]; s.matchSlot == 0 || !exists {
		return status(fpproto.StatusNoMatch)
	}
	return ok(fpproto.EncodeMatchResult(fpproto.MatchResult{
		Slot:       s.matchSlot,
		Confidence: s.matchConfidence,
	}))
}

func (s *Sensor) store(payload []byte) fpproto.Response {
	template, err := fpproto.ParseTemplate(payload)
	if err != nil {
		return status(fpproto.StatusInvalid)
	}
	if template.Slot < 1 || template.Slot > s.info.TemplateCapacity {
		return status(fpproto.StatusInvalid)
	}
	if _, exists := s.templates[template.Slot]; exists {
		return status(fpproto.StatusExists)
	}
	if len(s.templates) >= int(s.info.TemplateCapacity) {
		return status(fpproto.StatusStorageFull)
	}
	s.templates[template.Slot] = template
	return ok(nil)
}

func (s *Sensor) load(payload []byte) fpproto.Response {
	if len(payload) < 1 {
		return status(fpproto.StatusInvalid)
	}
	template, exists := s.templates[payload[0]]
	if !exists {
		return status(fpproto.StatusInvalid)
	}
	framed, err := fpproto.EncodeTemplate(template)
	if err != nil {
		return status(fpproto.StatusError)
	}
	return ok(framed)
}

func (s *Sensor) delete(payload []byte) fpproto.Response {
	if len(payload) < 1 {
		return status(fpproto.StatusInvalid)
	}
	// Deleting an empty slot is a no-op.
	delete(s.templates, payload[0])
	return ok(nil)
}

func (s *Sensor) list() fpproto.Response {
	slots := make([]uint8, 0, len(s.templates))
	for slot := range s.templates {
		slots = append(slots, slot)
	}
	slices.Sort(slots)
	payload := append([]byte{uint8(len(slots))}, slots...)
	return ok(payload)
}

func ok(payload []byte) fpproto.Response {
	return fpproto.Response{Status: fpproto.StatusOK, Payload: payload}
}

func status(s fpproto.Status) fpproto.Response {
	return fpproto.Response{Status: s}
}

// synthesizeFrame produces a deterministic ridge-like pattern. Highly
// repetitive on purpose: a full frame must compress below the bulk
// transfer limit.
func synthesizeFrame(width, height uint16, quality uint8) []byte {
	data := make([]byte, int(width)*int(height))
	for y := 0; y < int(height); y++ {
		for x := 0; x < int(width); x++ {
			data[y*int(width)+x] = byte((x + y + int(quality)) % 16 * 16)
		}
	}
	return data
}

// synthesizeTemplate derives a stable opaque payload from the slot
// and name so store/load round-trips are byte-comparable in tests.
func synthesizeTemplate(slot uint8, name string) []byte {
	data := make([]byte, 256)
	seed := int(slot)
	for _, r := range name {
		seed += int(r)
	}
	for i := range data {
		data[i] = byte((i*7 + seed) % 251)
	}
	return data
}
