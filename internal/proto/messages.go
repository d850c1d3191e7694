package proto

import "fmt"

type MsgType uint64

const (
	MsgLocationsPublish MsgType = iota
	MsgBlocksLink
	MsgBlocksRequest
	MsgBlockResult
	MsgBroadcastCluesRequest
	MsgBroadcastCluesResult
	MsgUnicastCluesRequest
	MsgUnicastCluesResult
	MsgMulticastCluesRequest
	MsgMulticastCluesResult
)

var msgTypeNames = map[MsgType]string{
	MsgLocationsPublish:      "locations_publish",
	MsgBlocksLink:            "blocks_link",
	MsgBlocksRequest:         "blocks_request",
	MsgBlockResult:           "block_result",
	MsgBroadcastCluesRequest: "broadcast_clues_request",
	MsgBroadcastCluesResult:  "broadcast_clues_result",
	MsgUnicastCluesRequest:   "unicast_clues_request",
	MsgUnicastCluesResult:    "unicast_clues_result",
	MsgMulticastCluesRequest: "multicast_clues_request",
	MsgMulticastCluesResult:  "multicast_clues_result",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("msg(%d)", uint64(t))
}

type Message interface {
	Type() MsgType
}

// ProfileMsg is the second implicit frame of a session.
type ProfileMsg struct {
	ID       NodeID
	Location []Address
}

type LocationsPublishMsg struct {
	Addresses []Address
}

type BlocksLinkMsg struct {
	Hashes []Hash
}

type BlocksRequestMsg struct {
	Hashes []Hash
}

type BlockResultMsg struct {
	Hash  Hash
	Value []byte
}

type BroadcastCluesRequestMsg struct {
	Signatures []Signature
}

type BroadcastCluesResultMsg struct {
	Clues []BroadcastClue
}

type UnicastCluesRequestMsg struct {
	Signatures []Signature
}

type UnicastCluesResultMsg struct {
	Clues []UnicastClue
}

type MulticastCluesRequestMsg struct {
	Tags []Tag
}

type MulticastCluesResultMsg struct {
	Clues []MulticastClue
}

func (*LocationsPublishMsg) Type() MsgType      { return MsgLocationsPublish }
func (*BlocksLinkMsg) Type() MsgType            { return MsgBlocksLink }
func (*BlocksRequestMsg) Type() MsgType         { return MsgBlocksRequest }
func (*BlockResultMsg) Type() MsgType           { return MsgBlockResult }
func (*BroadcastCluesRequestMsg) Type() MsgType { return MsgBroadcastCluesRequest }
func (*BroadcastCluesResultMsg) Type() MsgType  { return MsgBroadcastCluesResult }
func (*UnicastCluesRequestMsg) Type() MsgType   { return MsgUnicastCluesRequest }
func (*UnicastCluesResultMsg) Type() MsgType    { return MsgUnicastCluesResult }
func (*MulticastCluesRequestMsg) Type() MsgType { return MsgMulticastCluesRequest }
func (*MulticastCluesResultMsg) Type() MsgType  { return MsgMulticastCluesResult }
