// Copyright ©2025 numkit. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package lbfgsb

import "github.com/sirupsen/logrus"

// traceLog wraps an optional structured logger for the algorithm's debug
// trace. The zero value is silent, so the hot path pays one nil check.
type traceLog struct {
	log logrus.FieldLogger
}

func (t traceLog) on() bool { return t.log != nil }

func (t traceLog) debugf(format string, args ...any) {
	if t.log != nil {
		t.log.Debugf(format, args...)
	}
}

func (t traceLog) with(fields logrus.Fields) traceLog {
	if t.log == nil {
		return t
	}
	return traceLog{log: t.log.WithFields(fields)}
}

// logrusFields summarizes a finished run for the trace.
func logrusFields(st *runState) logrus.Fields {
	return logrus.Fields{
		"iters":        st.iter,
		"fEvals":       st.fEvals,
		"gEvals":       st.gEvals,
		"segments":     st.totalSegs,
		"skipped":      st.skips,
		"cauchyTime":   st.tCauchy,
		"subspaceTime": st.tSubspace,
		"searchTime":   st.tSearch,
		"totalTime":    st.clock.elapsed(),
	}
}
