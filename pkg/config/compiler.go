package config

import (
	"fmt"

	"github.com/a-essam23/go-taskhub/pkg/pipeline"
)

// ModifierProvider looks up a modifier by its configured name.
type ModifierProvider func(name string) (pipeline.ModifierFunc, bool)

// CompilePipelines turns events.<type>.modifiers into executable steps.
func CompilePipelines(cfg *Config, provider ModifierProvider) error {
	cfg.Pipelines = make(map[string][]pipeline.Step, len(cfg.Events))
	for eventName, eventCfg := range cfg.Events {
		pipe := make([]pipeline.Step, 0, len(eventCfg.Modifiers))
		for _, modCfg := range eventCfg.Modifiers {
			fn, ok := provider(modCfg.Name)
			if !ok {
				return fmt.Errorf("unknown modifier '%s' in event '%s'", modCfg.Name, eventName)
			}
			pipe = append(pipe, pipeline.Step{
				Name:     modCfg.Name,
				Function: fn,
				Params:   modCfg.Params,
			})
		}
		cfg.Pipelines[eventName] = pipe
	}
	return nil
}
