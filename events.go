package dbft

// Event is an outbound notification emitted by a Service.
type Event interface {
	isEvent()
}

// BroadcastMessage asks the transport to deliver Payload to all validators.
type BroadcastMessage struct {
	Payload *Payload
}

// RequestTransactions asks the mempool/network layer to fetch or announce
// the transactions of the current proposal.
type RequestTransactions struct {
	BlockIndex uint32
	Hashes     []Hash
}

// BlockCommitted reports that M commits were collected for BlockHash.
type BlockCommitted struct {
	BlockIndex uint32
	BlockHash  Hash
	BlockData  *BlockData
}

// ViewChanged reports that the round moved to NewView.
type ViewChanged struct {
	BlockIndex uint32
	OldView    uint8
	NewView    uint8
}

func (BroadcastMessage) isEvent()    {}
func (RequestTransactions) isEvent() {}
func (BlockCommitted) isEvent()      {}
func (ViewChanged) isEvent()         {}

// EventSink receives events synchronously from the Service that emits them.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls f(e).
func (f EventSinkFunc) Emit(e Event) { f(e) }

// ChannelSink forwards events to a channel. Emit blocks while the channel
// is full.
type ChannelSink chan<- Event

// Emit sends e on the channel.
func (c ChannelSink) Emit(e Event) { c <- e }
