package config

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError is a single invalid field.
type ValidationError struct {
	FieldPath string
	Message   string
}

type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("validation failed with %d error(s):\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.FieldPath, err.Message))
	}
	return sb.String()
}

var validate *validator.Validate

func init() {
	validate = validator.New()

	if err := validate.RegisterValidation("addr_port", validateAddrPort); err != nil {
		panic(err)
	}
	if err := validate.RegisterValidation("dns_server", validateDNSServer); err != nil {
		panic(err)
	}

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("toml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// ip:port with a literal IP; IPv6 in square brackets.
func validateAddrPort(fl validator.FieldLevel) bool {
	_, err := netip.ParseAddrPort(fl.Field().String())
	return err == nil
}

// ip or ip:port.
func validateDNSServer(fl validator.FieldLevel) bool {
	_, err := ParseUpstream(fl.Field().String())
	return err == nil
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "gtefield":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "addr_port":
		return "must be ip:port (IPv6 in square brackets, e.g. [::1]:53)"
	case "dns_server":
		return "must be ip or ip:port"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

// ValidateConfig validates every section and returns all problems at once.
func (c *Config) ValidateConfig() error {
	var validationErrors ValidationErrors

	sections := []struct {
		name  string
		value any
	}{
		{"general", c.General},
		{"server", c.Server},
		{"resolver", c.Resolver},
		{"dns", c.DNS},
	}
	for _, s := range sections {
		if reflect.ValueOf(s.value).IsNil() {
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: s.name,
				Message:   fmt.Sprintf("configuration must contain '%s' section", s.name),
			})
			continue
		}
		if err := validate.Struct(s.value); err != nil {
			validationErrors = append(validationErrors, convertValidatorErrors(err, s.name)...)
		}
	}
	if len(validationErrors) > 0 {
		return validationErrors
	}

	validationErrors = append(validationErrors, c.validateDNS()...)
	if len(validationErrors) > 0 {
		return validationErrors
	}
	return nil
}

func (c *Config) validateDNS() ValidationErrors {
	var validationErrors ValidationErrors
	d := c.DNS
	if !d.Enable {
		return nil
	}

	required := []struct {
		path  string
		value string
	}{
		{"dns.listen_addr", d.ListenAddr},
		{"dns.trusted_dns", d.TrustedDNS},
		{"dns.poisoned_dns", d.PoisonedDNS},
		{"dns.blocked_domain_list", d.BlockedDomainList},
	}
	for _, r := range required {
		if r.value == "" {
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: r.path,
				Message:   "field is required when dns.enable is true",
			})
		}
	}

	if d.AddRoute && d.AdapterIndex == 0 && d.AdapterName == "" {
		validationErrors = append(validationErrors, ValidationError{
			FieldPath: "dns.adapter_index",
			Message:   "adapter_index or adapter_name is required when add_route is true",
		})
	}
	return validationErrors
}

func convertValidatorErrors(err error, fieldPrefix string) ValidationErrors {
	var validationErrors ValidationErrors

	var validatorErrs validator.ValidationErrors
	if errors.As(err, &validatorErrs) {
		for _, e := range validatorErrs {
			fieldPath := fieldPrefix
			if e.Field() != "" {
				fieldPath = fieldPrefix + "." + e.Field()
			}
			validationErrors = append(validationErrors, ValidationError{
				FieldPath: fieldPath,
				Message:   getValidationMessage(e),
			})
		}
	}
	return validationErrors
}
