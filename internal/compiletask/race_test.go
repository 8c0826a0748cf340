package compiletask

import "testing"

func TestRaceLocalWinsBeforeRemoteReachesPreference(t *testing.T) {
	r := newRaceState()
	r.advanceRemote(StageFileReq)
	if !r.localFinishes(StageRemoteRun) {
		t.Fatal("expected local to win when remote has not reached the preference stage")
	}
	if r.localFinishes(StageRemoteRun) {
		t.Fatal("expected only one winner from localFinishes")
	}
}

func TestRaceRemoteWinsOncePastPreference(t *testing.T) {
	r := newRaceState()
	r.advanceRemote(StageRemoteRun)
	if r.localFinishes(StageRemoteRun) {
		t.Fatal("expected local to lose once remote is at or past the preference stage")
	}
}

func TestRaceAbandonRemoteIsOneShot(t *testing.T) {
	r := newRaceState()
	if !r.abandonRemote() {
		t.Fatal("first abandonRemote should succeed")
	}
	if r.abandonRemote() {
		t.Fatal("second abandonRemote should not succeed")
	}
	if !r.remoteAbandonedLocked() {
		t.Fatal("expected remoteAbandonedLocked to report true after abandon")
	}
}
