// SPDX-License-Identifier: ice License 1.0

package http20

import (
	"github.com/ice-blockchain/hyper/httpclient/internal"
)

type flowControlManager struct {
	initialWindowSize uint32
	windowSize        uint32
}

// NewFlowControlManager is the WindowManagerFactory used when the caller
// doesn't pick one: it replenishes the receive window back to its initial
// size once 3/4 of it has been consumed, so small responses generate no
// WINDOW_UPDATE traffic at all.
func NewFlowControlManager(initialWindowSize uint32) internal.FlowControlManager {
	return &flowControlManager{initialWindowSize: initialWindowSize, windowSize: initialWindowSize}
}

func (m *flowControlManager) Release(size uint32) uint32 {
	if size > m.windowSize {
		m.windowSize = 0
	} else {
		m.windowSize -= size
	}
	if m.windowSize <= m.initialWindowSize/4 { //nolint:mnd,gomnd // Replenish threshold.
		increment := m.initialWindowSize - m.windowSize
		m.windowSize = m.initialWindowSize

		return increment
	}

	return 0
}

func (m *flowControlManager) Blocked() uint32 {
	increment := m.initialWindowSize - m.windowSize
	m.windowSize = m.initialWindowSize

	return increment
}

func (m *flowControlManager) WindowSize() uint32 {
	return m.windowSize
}
