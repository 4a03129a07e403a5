package agent

import (
	"context"

	"github.com/drewano/dodai-sub000/pkg/model"
)

// PlainModel calls the model once without tools. It is the universal
// fallback strategy.
type PlainModel struct {
	model model.Model
	name  string
}

// NewPlainModel wraps mdl. name overrides the reported model id when set.
func NewPlainModel(mdl model.Model, name string) (*PlainModel, error) {
	if mdl == nil {
		return nil, ErrMissingModel
	}
	if name == "" {
		name = model.NameOf(mdl)
	}
	return &PlainModel{model: mdl, name: name}, nil
}

func (p *PlainModel) Kind() Kind        { return KindPlainModel }
func (p *PlainModel) ModelName() string { return p.name }

func (p *PlainModel) Run(ctx context.Context, turn Turn, sink Sink) (*Result, error) {
	resp, err := invoke(ctx, p.model, model.Request{Messages: turn.Messages, System: turn.System}, turn.Streaming, sink)
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:    resp.Message.Content,
		Usage:      resp.Usage,
		StopReason: resp.StopReason,
		Iterations: 1,
	}, nil
}
