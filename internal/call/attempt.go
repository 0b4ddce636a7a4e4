package call

import (
	"context"
	"time"

	"github.com/1ureka/famcall/internal/ice"
	"github.com/1ureka/famcall/internal/media"
	"github.com/1ureka/famcall/internal/signaling"
	"github.com/pion/webrtc/v4"
)

// Media is the per-attempt media session. *media.Manager implements it.
type Media interface {
	AcquireLocalMedia(kind signaling.CallKind) (*media.LocalMedia, error)
	EnsurePeerSession(servers []ice.Server) (media.Peer, error)
	AttachLocalTracks() error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	LocalMedia() *media.LocalMedia
	RemoteMedia() *media.RemoteMedia
	Teardown()
}

var _ Media = (*media.Manager)(nil)

// MediaFactory creates the media session for a new attempt. The events must
// be wired into the returned session.
type MediaFactory func(events media.Events) Media

// ICEResolver returns the ICE servers for a call; it never fails.
type ICEResolver interface {
	Fetch(ctx context.Context) []ice.Server
}

// Ringer plays the ringing indication.
type Ringer interface {
	Start(kind signaling.CallKind)
	Stop()
}

// Signaler publishes outbound signaling messages without blocking.
// *signaling.Channel implements it.
type Signaler interface {
	Send(msg signaling.Message)
}

var _ Signaler = (*signaling.Channel)(nil)

// Attempt is the state of one call. It is owned by the controller loop and
// never touched from another goroutine.
type Attempt struct {
	ID         string
	Local      string
	Remote     string
	RemoteName string
	Kind       signaling.CallKind
	Role       Role
	Phase      Phase
	CreatedAt  time.Time
	Deadline   time.Time

	media Media

	// pendingICE holds remote candidates until the remote description has
	// been applied; remoteSet flips exactly once, when the queue is drained.
	pendingICE []webrtc.ICECandidateInit
	remoteSet  bool

	timer Timer
}

func (a *Attempt) header() signaling.Header {
	return signaling.Header{From: a.Local, To: a.Remote, CallID: a.ID}
}

// Snapshot is a copy of an attempt's observable state.
type Snapshot struct {
	CallID      string
	Remote      string
	RemoteName  string
	Kind        signaling.CallKind
	Role        Role
	Phase       Phase
	CreatedAt   time.Time
	Deadline    time.Time
	LocalMedia  bool
	RemoteMedia bool
	PendingICE  int
}

func (a *Attempt) snapshot() Snapshot {
	return Snapshot{
		CallID:      a.ID,
		Remote:      a.Remote,
		RemoteName:  a.RemoteName,
		Kind:        a.Kind,
		Role:        a.Role,
		Phase:       a.Phase,
		CreatedAt:   a.CreatedAt,
		Deadline:    a.Deadline,
		LocalMedia:  a.media.LocalMedia() != nil,
		RemoteMedia: a.media.RemoteMedia() != nil,
		PendingICE:  len(a.pendingICE),
	}
}

// NoticeKind identifies a user-visible event.
type NoticeKind string

const (
	NoticeIncoming     NoticeKind = "incoming"
	NoticeMediaDenied  NoticeKind = "media_denied"
	NoticeCallFailed   NoticeKind = "call_failed"
	NoticeDeclined     NoticeKind = "declined"
	NoticeNoAnswer     NoticeKind = "no_answer"
	NoticeMissed       NoticeKind = "missed"
	NoticeRemoteHangup NoticeKind = "remote_hangup"
)

// Notice is a message for the user about a call.
type Notice struct {
	Kind   NoticeKind
	CallID string
	Remote string
	Err    error
}

// Observer receives state changes. Methods run on the controller loop and
// must not block or call back into the controller synchronously.
type Observer interface {
	PhaseChanged(s Snapshot)
	Notice(n Notice)
}

type nopObserver struct{}

func (nopObserver) PhaseChanged(Snapshot) {}
func (nopObserver) Notice(Notice)         {}

// tombstones remembers the ids of recently ended attempts.
type tombstones struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newTombstones(size int) *tombstones {
	return &tombstones{ids: make(map[string]struct{}, size), ring: make([]string, 0, size)}
}

func (t *tombstones) add(id string) {
	if _, ok := t.ids[id]; ok {
		return
	}
	if len(t.ring) < cap(t.ring) {
		t.ring = append(t.ring, id)
	} else {
		delete(t.ids, t.ring[t.next])
		t.ring[t.next] = id
		t.next = (t.next + 1) % len(t.ring)
	}
	t.ids[id] = struct{}{}
}

func (t *tombstones) has(id string) bool {
	_, ok := t.ids[id]
	return ok
}
