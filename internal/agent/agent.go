package agent

import (
	"context"

	"Sentinel-Protocol/internal/action"
	"Sentinel-Protocol/internal/feed"
)

// Selector 决定修订前需要重新获取哪些数据源。
type Selector interface {
	Select(ctx context.Context, req SelectionRequest) feed.Selection
}

// Proposer 根据上下文生成一个动作候选。
type Proposer interface {
	Propose(ctx context.Context, req ProposalRequest) (*action.Candidate, error)
}

// AllFeeds 是不调用大模型、总是启用全部数据源的 Selector。
type AllFeeds struct{}

// Select 实现 Selector。
func (AllFeeds) Select(_ context.Context, req SelectionRequest) feed.Selection {
	return feed.All(req.Feeds)
}
