package wire

import (
	"encoding/binary"
	"fmt"
)

// Marshal packs v into its wire byte representation using the native
// little-endian layout, the way a ring slot would actually be laid out in
// shared memory.
func Marshal(v interface{}) []byte {
	switch val := v.(type) {
	case *RingEvent:
		return marshalEvent(val)
	case *RingResult:
		return marshalResult(val)
	default:
		panic(fmt.Sprintf("wire: Marshal: unsupported type %T", v))
	}
}

// Unmarshal unpacks data into v, which must be *RingEvent or *RingResult.
func Unmarshal(data []byte, v interface{}) error {
	switch val := v.(type) {
	case *RingEvent:
		return unmarshalEvent(data, val)
	case *RingResult:
		return unmarshalResult(data, val)
	default:
		return fmt.Errorf("wire: Unmarshal: unsupported type %T", v)
	}
}

func marshalEvent(e *RingEvent) []byte {
	buf := make([]byte, EventSlotSize)
	binary.LittleEndian.PutUint64(buf[0:8], e.ID)
	binary.LittleEndian.PutUint64(buf[8:16], e.WorkflowID)
	binary.LittleEndian.PutUint32(buf[16:20], e.Type)
	copy(buf[24:24+MaxRoute], e.Route[:])
	binary.LittleEndian.PutUint32(buf[32:36], e.PayloadSize)
	binary.LittleEndian.PutUint64(buf[36:44], uint64(e.Timestamp))
	copy(buf[44:44+MaxPayload], e.Payload[:e.PayloadSize])
	return buf
}

func unmarshalEvent(data []byte, e *RingEvent) error {
	if len(data) < 44 {
		return fmt.Errorf("wire: short RingEvent buffer: %d bytes", len(data))
	}
	e.ID = binary.LittleEndian.Uint64(data[0:8])
	e.WorkflowID = binary.LittleEndian.Uint64(data[8:16])
	e.Type = binary.LittleEndian.Uint32(data[16:20])
	copy(e.Route[:], data[24:24+MaxRoute])
	e.PayloadSize = binary.LittleEndian.Uint32(data[32:36])
	e.Timestamp = int64(binary.LittleEndian.Uint64(data[36:44]))
	if e.PayloadSize > MaxPayload {
		return fmt.Errorf("wire: RingEvent payload_size %d exceeds %d", e.PayloadSize, MaxPayload)
	}
	if uintptr(len(data)) >= 44+uintptr(e.PayloadSize) {
		copy(e.Payload[:e.PayloadSize], data[44:44+e.PayloadSize])
	}
	return nil
}

func marshalResult(r *RingResult) []byte {
	buf := make([]byte, ResultSlotSize)
	binary.LittleEndian.PutUint64(buf[0:8], r.EventID)
	binary.LittleEndian.PutUint64(buf[8:16], r.WorkflowID)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(r.CompletionTime))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(r.Status))
	binary.LittleEndian.PutUint16(buf[28:30], r.ErrorCode)
	binary.LittleEndian.PutUint32(buf[32:36], r.ResultSize)
	copy(buf[36:36+MaxPayload], r.Result[:r.ResultSize])
	return buf
}

func unmarshalResult(data []byte, r *RingResult) error {
	if len(data) < 36 {
		return fmt.Errorf("wire: short RingResult buffer: %d bytes", len(data))
	}
	r.EventID = binary.LittleEndian.Uint64(data[0:8])
	r.WorkflowID = binary.LittleEndian.Uint64(data[8:16])
	r.CompletionTime = int64(binary.LittleEndian.Uint64(data[16:24]))
	r.Status = int32(binary.LittleEndian.Uint32(data[24:28]))
	r.ErrorCode = binary.LittleEndian.Uint16(data[28:30])
	r.ResultSize = binary.LittleEndian.Uint32(data[32:36])
	if r.ResultSize > MaxPayload {
		return fmt.Errorf("wire: RingResult result_size %d exceeds %d", r.ResultSize, MaxPayload)
	}
	if uintptr(len(data)) >= 36+uintptr(r.ResultSize) {
		copy(r.Result[:r.ResultSize], data[36:36+r.ResultSize])
	}
	return nil
}
