// Package config loads and resolves concierge configurations.
//
// A configuration comes from one of three places, in order of precedence:
// a named preset, an explicit YAML file, or concierge.yaml in the working
// directory. When none is given the dev preset is used.
//
// Documents are checked in two passes. The raw YAML is unified with a CUE
// schema, which catches unknown keys and wrong types with their path. The
// decoded Config is then checked with struct tags for channel, snap and deb
// name formats.
//
// Overrides from flags and CONCIERGE_* environment variables are applied on
// top of the loaded configuration before validation:
//
//	loader := config.NewLoader(logger)
//	o := config.EnvOverrides(os.Getenv).Merge(flagOverrides)
//	cfg, src, err := loader.Load(ctx, config.LoadOptions{Preset: "dev", Overrides: &o})
//	if err != nil {
//	    return err
//	}
//	in, err := cfg.PlanInput(config.DefaultSettings())
//
// PlanInput turns the configuration into engine.PlanInput, encoding one JSON
// payload per step so that a restore can replay the same parameters.
//
// All loader errors are engine configuration errors.
package config
