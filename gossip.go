package pcf

import (
	"encoding/json"
	"log/slog"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// gossip plugs the proximity transport into memberlist, both as its
// message delegate and its membership event delegate.
type gossip struct {
	t      *ProximityTransport
	logger *slog.Logger
}

var (
	_ memberlist.Delegate      = (*gossip)(nil)
	_ memberlist.EventDelegate = (*gossip)(nil)
)

// NodeMeta carries our JSON encoded descriptor. Nothing is sent when it
// does not fit, peers then fall back to the memberlist node identity.
func (g *gossip) NodeMeta(limit int) []byte {
	self := g.t.self.Load()
	if self == nil {
		return nil
	}
	meta, err := json.Marshal(Descriptor{Name: self.Name, Kind: KindProximity})
	if err != nil || len(meta) > limit {
		return nil
	}
	return meta
}

func (g *gossip) NotifyMsg(buf []byte) {
	if len(buf) == 0 {
		return
	}
	// memberlist reuses buf once we return.
	msg := make([]byte, len(buf))
	copy(msg, buf)
	g.t.receive(msg)
}

func (g *gossip) GetBroadcasts(_, _ int) [][]byte {
	return nil
}

func (g *gossip) LocalState(_ bool) []byte {
	return nil
}

func (g *gossip) MergeRemoteState(_ []byte, _ bool) {}

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer in range")
	g.t.joined(node)
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	withLogNode(g.logger, node).Info("peer out of range")
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	withLogNode(g.logger, node).Debug("peer updated")
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

// descriptorOfNode trusts the node meta for the name and kind, but always
// dials the address memberlist observed.
func descriptorOfNode(node *memberlist.Node) Descriptor {
	var desc Descriptor
	if len(node.Meta) > 0 {
		// malformed meta leaves the fallbacks below.
		_ = json.Unmarshal(node.Meta, &desc)
	}
	if desc.Name == "" {
		desc.Name = node.Name
	}
	if desc.Kind == "" {
		desc.Kind = KindProximity
	}
	desc.Address = node.Address()
	return desc
}

// legacyLabels translates labels for memberlist which still emits through
// armon/go-metrics.
func legacyLabels(labels []metrics.Label) []leg_metrics.Label {
	if len(labels) == 0 {
		return nil
	}
	out := make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		out[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return out
}
