package api

import "time"

type JoinRequest struct {
	ClientId  string    `json:"clientId"`
	User      string    `json:"user"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

type LeaveRequest struct {
	ClientId  string    `json:"clientId"`
	User      string    `json:"user"`
	Room      string    `json:"room"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageRequest struct {
	ClientId  string    `json:"clientId"`
	User      string    `json:"user"`
	Room      string    `json:"room"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

type MessageResponse struct {
	Id string `json:"id"`
}

type LikeRequest struct {
	ClientId  string    `json:"clientId"`
	User      string    `json:"user"`
	Room      string    `json:"room"`
	MessageId string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagesRequest asks for the last Count messages of a room, all of them if Count is negative and
// DefaultMessageCount if it is zero.
type MessagesRequest struct {
	ClientId string `json:"clientId"`
	User     string `json:"user"`
	Room     string `json:"room"`
	Count    int    `json:"count"`
}

const DefaultMessageCount = 10

type Message struct {
	Id        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Likes     int       `json:"likes"`
	Timestamp time.Time `json:"timestamp"`
}

type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type RoomsResponse struct {
	Rooms []string `json:"rooms"`
}

type ChattersResponse struct {
	Room     string   `json:"room"`
	Chatters []string `json:"chatters"`
}

type ReachableResponse struct {
	Reachable []bool `json:"reachable"`
}

type StatusResponse struct {
	Id        int      `json:"id"`
	Leader    int      `json:"leader"`
	Vector    []int64  `json:"vector"`
	Reachable []bool   `json:"reachable"`
	Ready     bool     `json:"ready"`
	Rooms     []string `json:"rooms"`
}

// ErrorResponse accompanies non-200 replies. LeaderHint is the leader known to the server, -1 if none.
type ErrorResponse struct {
	Kind       string `json:"kind"`
	Error      string `json:"error"`
	LeaderHint int    `json:"leaderHint"`
}
