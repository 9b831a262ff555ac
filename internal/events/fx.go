package events

import "go.uber.org/fx"

var Module = fx.Module("events",
	fx.Provide(NewClient),
	fx.Provide(NewHub),
	fx.Provide(NewPublisher),
)
