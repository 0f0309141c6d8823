package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/go-playground/validator/v10"

	naverrors "github.com/conneroisu/navkit/internal/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints, enumerations and selector syntax.
func Validate(config *Config) error {
	if config == nil {
		return naverrors.NewConfigError(naverrors.CodeInvalid, "configuration is nil")
	}

	var problems []string

	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if !config.Engine.CleanupStrategy.Valid() {
		problems = append(problems, fmt.Sprintf(
			"engine.cleanup_strategy %q must be one of keep-shared, remove-all, strict",
			config.Engine.CleanupStrategy))
	}
	if !config.Engine.Transition.Valid() {
		problems = append(problems, fmt.Sprintf(
			"engine.transition %q must be one of fade, slide, zoom, none",
			config.Engine.Transition))
	}
	for name, sel := range map[string]string{
		"engine.container_selector": config.Engine.ContainerSelector,
		"engine.link_selector":      config.Engine.LinkSelector,
	} {
		if sel == "" {
			continue
		}
		if _, err := cascadia.Compile(sel); err != nil {
			problems = append(problems, fmt.Sprintf("%s %q is not a valid selector: %v", name, sel, err))
		}
	}

	if len(problems) > 0 {
		return naverrors.NewConfigError(naverrors.CodeInvalid, strings.Join(problems, "; "))
	}

	return nil
}
