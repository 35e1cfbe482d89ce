package egress

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pathrelay/internal/frame"
	"github.com/jmylchreest/pathrelay/internal/overseer"
)

type fakeEgress struct {
	id       uuid.UUID
	critical bool
	err      error
	created  []overseer.SegmentInfo
	calls    int
	closed   bool
}

func (f *fakeEgress) ID() uuid.UUID { return f.id }

func (f *fakeEgress) ProcessPacket(variantID uuid.UUID, pkt frame.Packet) ([]overseer.SegmentInfo, []overseer.SegmentInfo, error) {
	f.calls++
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.created, nil, nil
}

func (f *fakeEgress) Critical() bool { return f.critical }
func (f *fakeEgress) Reset()         {}
func (f *fakeEgress) Close() error   { f.closed = true; return nil }

var _ Egress = (*fakeEgress)(nil)

func TestList_Dispatch_AllSucceed(t *testing.T) {
	l := NewList()
	e1 := &fakeEgress{id: uuid.New(), created: []overseer.SegmentInfo{{Index: 1}}}
	e2 := &fakeEgress{id: uuid.New()}
	l.Add(e1)
	l.Add(e2)

	created, deleted, nonCritical, err := l.Dispatch(uuid.New(), frame.Packet{})
	require.NoError(t, err)
	assert.Empty(t, nonCritical)
	assert.Empty(t, deleted)
	require.Len(t, created, 1)
	assert.Equal(t, 1, e1.calls)
	assert.Equal(t, 1, e2.calls)
}

func TestList_Dispatch_CriticalErrorAbortsRest(t *testing.T) {
	l := NewList()
	failing := &fakeEgress{critical: true, err: assertError("boom")}
	afterward := &fakeEgress{}
	l.Add(failing)
	l.Add(afterward)

	_, _, _, err := l.Dispatch(uuid.New(), frame.Packet{})
	require.Error(t, err)
	assert.Equal(t, 0, afterward.calls)
}

func TestList_Dispatch_NonCriticalErrorContinues(t *testing.T) {
	l := NewList()
	failing := &fakeEgress{critical: false, err: assertError("forwarder down")}
	afterward := &fakeEgress{}
	l.Add(failing)
	l.Add(afterward)

	_, _, nonCritical, err := l.Dispatch(uuid.New(), frame.Packet{})
	require.NoError(t, err)
	require.Len(t, nonCritical, 1)
	assert.Equal(t, 1, afterward.calls)
}

func TestList_CloseAll(t *testing.T) {
	l := NewList()
	e1 := &fakeEgress{}
	e2 := &fakeEgress{}
	l.Add(e1)
	l.Add(e2)

	errs := l.CloseAll()
	assert.Empty(t, errs)
	assert.True(t, e1.closed)
	assert.True(t, e2.closed)
}

type assertError string

func (e assertError) Error() string { return string(e) }
