package pipeline

import "sync/atomic"

// KeyFramePolicy tracks when the next encoded unit must be a key frame:
// on session start, on every profile switch, and (left to the encoder's
// own GOP boundary, which this policy does not second-guess) at its
// intrinsic interval.
type KeyFramePolicy struct {
	pending atomic.Bool
}

// NewKeyFramePolicy returns a policy with a key frame already pending,
// matching "request a key frame on every new session".
func NewKeyFramePolicy() *KeyFramePolicy {
	kf := &KeyFramePolicy{}
	kf.pending.Store(true)
	return kf
}

// RequestOnNewSession arms a pending key-frame request.
func (kf *KeyFramePolicy) RequestOnNewSession() { kf.pending.Store(true) }

// RequestOnProfileSwitch arms a pending key-frame request: after a
// profile change, the next emitted VideoFrame must be a key frame, and
// this must be consumed before the next non-key frame is sent.
func (kf *KeyFramePolicy) RequestOnProfileSwitch() { kf.pending.Store(true) }

// ConsumePending reports whether a key frame is due and clears the flag.
func (kf *KeyFramePolicy) ConsumePending() bool {
	return kf.pending.Swap(false)
}
