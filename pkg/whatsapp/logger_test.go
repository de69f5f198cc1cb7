package whatsapp

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_FiltersBelowLevel(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)

	l := NewLogger(logrus.NewEntry(base), "client", "WARN")
	l.Debugf("noise %d", 1)
	l.Infof("noise %d", 2)
	l.Warnf("keepalive %s", "timeout")
	l.Errorf("stream error")

	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, "keepalive timeout", hook.AllEntries()[0].Message)
	assert.Equal(t, logrus.WarnLevel, hook.AllEntries()[0].Level)
	assert.Equal(t, "client", hook.AllEntries()[0].Data["wa_module"])
}

func TestLogger_SubModule(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := NewLogger(logrus.NewEntry(base), "client", "info").Sub("Socket")

	l.Infof("connected")

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "client/Socket", hook.LastEntry().Data["wa_module"])
}

func TestLogger_UnknownLevelDefaultsToWarn(t *testing.T) {
	base, hook := test.NewNullLogger()
	l := NewLogger(logrus.NewEntry(base), "store", "verbose")

	l.Infof("dropped")
	assert.Empty(t, hook.AllEntries())
}
