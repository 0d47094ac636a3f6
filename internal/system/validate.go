package system

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ServiceNamePattern is the only shape of unit name passed to systemctl.
var ServiceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

type KillRequest struct {
	PID  int `json:"pid" validate:"required,gt=0"`
	Port int `json:"port" validate:"omitempty,min=1,max=65535"`
}

type RestartRequest struct {
	ServiceName string `json:"serviceName" validate:"required,servicename"`
	Port        int    `json:"port" validate:"omitempty,min=1,max=65535"`
}

type PortRequest struct {
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
	Protocol string `json:"protocol" validate:"required,oneof=tcp tcp6 udp udp6"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("servicename", func(fl validator.FieldLevel) bool {
		return ServiceNamePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateRequest checks one of the request types above and returns a single
// message suitable for showing to the operator.
func ValidateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch verrs[0].Field() {
	case "pid":
		if verrs[0].Tag() == "gt" {
			return errors.New("PID must be a positive number")
		}
		return errors.New("Valid PID is required")
	case "port":
		if verrs[0].Tag() == "required" {
			return errors.New("Valid port number is required")
		}
		return errors.New("Port must be between 1 and 65535")
	case "protocol":
		return errors.New("Valid protocol is required (tcp, tcp6, udp, udp6)")
	case "serviceName":
		if verrs[0].Tag() == "required" {
			return errors.New("Valid service name is required")
		}
		return errors.New("Invalid service name format")
	}
	return errors.New("invalid " + verrs[0].Field())
}
