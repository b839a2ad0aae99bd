package solar

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

func validateSite(s Site) error {
	if s.Coordinate != nil {
		if err := validateCoordinate(*s.Coordinate); err != nil {
			return err
		}
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSite, err)
	}
	return nil
}

func validateCoordinate(c Coordinate) error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCoordinate, err)
	}
	return nil
}

func validateReading(r MeterReading) error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidReading, err)
	}
	if !r.finite() {
		return fmt.Errorf("%w: values must be finite", ErrInvalidReading)
	}
	return nil
}
