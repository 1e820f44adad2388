package sqs

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	// MaxAttributes is the number of message attributes SQS accepts
	MaxAttributes = 10

	maxAttributeNameLength = 256

	typeString = "String"
	typeBool   = "String.bool"
	typeInt    = "Number.int"
	typeFloat  = "Number.float"
)

var attributeName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// validateAttribute checks a property against the SQS attribute naming rules
func validateAttribute(key string, value any) error {
	switch {
	case len(key) > maxAttributeNameLength:
		return fmt.Errorf("attribute name longer than %d characters", maxAttributeNameLength)
	case !attributeName.MatchString(key):
		return errors.New("attribute name may only contain letters, digits, '_', '-' and '.'")
	case strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, ".."):
		return errors.New("attribute name has a misplaced '.'")
	}
	lower := strings.ToLower(key)
	if strings.HasPrefix(lower, "aws.") || strings.HasPrefix(lower, "amazon.") {
		return errors.New("attribute name uses a reserved prefix")
	}

	if s, ok := value.(string); ok && s == "" {
		return errors.New("attribute value must not be empty")
	}
	_, err := toAttribute(value)
	return err
}

// toAttribute encodes a normalized property value
func toAttribute(value any) (types.MessageAttributeValue, error) {
	switch v := value.(type) {
	case string:
		return types.MessageAttributeValue{DataType: aws.String(typeString), StringValue: aws.String(v)}, nil
	case bool:
		return types.MessageAttributeValue{DataType: aws.String(typeBool), StringValue: aws.String(strconv.FormatBool(v))}, nil
	case int64:
		return types.MessageAttributeValue{DataType: aws.String(typeInt), StringValue: aws.String(strconv.FormatInt(v, 10))}, nil
	case float64:
		return types.MessageAttributeValue{DataType: aws.String(typeFloat), StringValue: aws.String(strconv.FormatFloat(v, 'g', -1, 64))}, nil
	default:
		return types.MessageAttributeValue{}, fmt.Errorf("unsupported attribute type %T", value)
	}
}

// fromAttribute decodes an attribute. Types written by other producers are
// returned as their string value.
func fromAttribute(attr types.MessageAttributeValue) any {
	raw := aws.ToString(attr.StringValue)
	switch dataType := aws.ToString(attr.DataType); {
	case dataType == typeBool:
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	case strings.HasPrefix(dataType, "Number"):
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case strings.HasPrefix(dataType, "Binary"):
		return attr.BinaryValue
	}
	return raw
}
