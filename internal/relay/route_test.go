package relay

import (
	"testing"

	"github.com/gurungabit/iast/wire"
)

func TestRouteOf(t *testing.T) {
	t.Parallel()
	cases := []struct {
		t    wire.Type
		want route
	}{
		{wire.TypePing, routePong},
		{wire.TypeData, routeInput},
		{wire.TypeResize, routeInput},
		{wire.TypePong, routeInput},
		{wire.TypeSessionCreate, routeInput},
		{wire.TypeSessionDestroy, routeInput},
		{wire.TypeTaskRun, routeControl},
		{wire.TypeTaskPause, routeControl},
		{wire.TypeTaskResume, routeControl},
		{wire.TypeTaskCancel, routeControl},
		{wire.TypeSessionCreated, routeDrop},
		{wire.TypeSessionDestroyed, routeDrop},
		{wire.TypeScreenUpdate, routeDrop},
		{wire.TypeCursorUpdate, routeDrop},
		{wire.TypeTaskStatus, routeDrop},
		{wire.TypeTaskProgress, routeDrop},
		{wire.TypeTaskItemResult, routeDrop},
		{wire.TypeTaskPaused, routeDrop},
		{wire.TypeError, routeDrop},
		{wire.Type("made-up"), routeDrop},
	}
	for _, tc := range cases {
		if got := routeOf(tc.t); got != tc.want {
			t.Errorf("routeOf(%q) = %v, want %v", tc.t, got, tc.want)
		}
	}
}
