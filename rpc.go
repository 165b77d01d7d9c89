package graftchat

import "time"

const (
	proposePath        = "/replica/propose"
	acceptPath         = "/replica/accept"
	dataPath           = "/replica/data"
	commandPath        = "/replica/command"
	leaderPath         = "/replica/leader"
	leaderProposalPath = "/replica/leader/propose"
	leaderElectedPath  = "/replica/leader/elected"
)

// PendingProposal records who asked for a sequence number and when.
type PendingProposal struct {
	ProposedAt time.Time `json:"proposedAt"`
	Origin     int       `json:"origin"`
}

type proposeRequest struct {
	Slot   int64 `json:"slot"`
	Origin int   `json:"origin"`
	Seq    int64 `json:"seq"`
}

type acceptRequest struct {
	Slot   int64 `json:"slot"`
	Origin int   `json:"origin"`
	Leader int   `json:"leader"`
}

type proposalReply struct {
	Kind       ErrorKind `json:"kind"`
	LeaderHint int       `json:"leaderHint"`
}

func replyOf(err error) proposalReply {
	if err == nil {
		return proposalReply{Kind: KindOk, LeaderHint: UnknownLeader}
	}
	kind, ok := KindOf(err)
	if !ok {
		kind = KindNoResponse
	}
	return proposalReply{Kind: kind, LeaderHint: LeaderHintOf(err)}
}

func (r proposalReply) err() error {
	return errorOfKind(r.Kind, r.LeaderHint)
}

type dataRequest struct {
	Requester int         `json:"requester"`
	Vector    VectorStamp `json:"vector"`
}

type dataResponse struct {
	Lines   []string                  `json:"lines"`
	Pending map[int64]PendingProposal `json:"pending"`
}

type commandRequest struct {
	Sender int    `json:"sender"`
	Line   string `json:"line"`
}

type commandResponse struct {
	Applied int `json:"applied"`
}

type leaderResponse struct {
	Leader int `json:"leader"`
}

type leaderProposalRequest struct {
	Candidate int `json:"candidate"`
}

type leaderProposalResponse struct {
	Accepted bool `json:"accepted"`
}

type leaderElectedRequest struct {
	Leader int `json:"leader"`
}

type emptyResponse struct{}
