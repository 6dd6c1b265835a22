package coordinator

import (
	"context"

	"github.com/mcoot/lobbymesh/internal/model"
)

// ProxyPlayer stands in for a player connected to another instance. Every
// operation becomes a command on the player's channel.
type ProxyPlayer struct {
	id     model.PlayerID
	name   string
	router *Router
}

// Ensure ProxyPlayer implements Player
var _ Player = (*ProxyPlayer)(nil)

func (p *ProxyPlayer) ID() model.PlayerID {
	return p.id
}

func (p *ProxyPlayer) Name() string {
	return p.name
}

func (p *ProxyPlayer) SendEvent(ctx context.Context, ev model.Event) error {
	return p.router.SendToPlayer(ctx, p.id, CmdSendEvent, ev)
}

func (p *ProxyPlayer) JoinSucceeded(ctx context.Context, code model.RoomCode, isHost bool) error {
	return p.router.SendToPlayer(ctx, p.id, CmdJoinedRoom, joinedRoomPayload{Code: code, IsHost: isHost})
}

func (p *ProxyPlayer) Evicted(ctx context.Context, code model.RoomCode) error {
	return p.router.SendToPlayer(ctx, p.id, CmdEvicted, evictedPayload{Code: code})
}

func (p *ProxyPlayer) Host(ctx context.Context, password string) error {
	return p.router.SendToPlayer(ctx, p.id, CmdHost, hostPayload{Password: password})
}

func (p *ProxyPlayer) AttemptJoining(ctx context.Context, code string, password string) error {
	return p.router.SendToPlayer(ctx, p.id, CmdJoin, joinPayload{Code: code, Password: password})
}

func (p *ProxyPlayer) Leave(ctx context.Context) error {
	return p.router.SendToPlayer(ctx, p.id, CmdLeave, nil)
}
