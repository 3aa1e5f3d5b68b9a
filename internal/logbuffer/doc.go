// Package logbuffer implements the term-rotated publication log.
//
// A log is three equally sized terms addressed by index. Each partition has an
// atomic raw tail (term id in the high 32 bits, term offset in the low 32 bits)
// and the log has one atomic active term count that is advanced by CAS on
// rotation. Frames are committed by storing their length into a per-term slot
// after the frame bytes are written; readers load the slot before touching the
// bytes.
package logbuffer
