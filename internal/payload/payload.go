package payload

import (
	"encoding/json"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"
)

const (
	AccountID     = "123456789012"
	Region        = "serverless-offline"
	DetailType    = "Scheduled Event"
	Source        = "aws.events"
	RuleARN       = "arn:aws:events:" + Region + ":" + AccountID + ":rule/my-schedule"
	LogStreamName = "2016/02/14/[HEAD]13370a84ca4ed8b77c427af260"
	Version       = "$LATEST"
	MemoryLimitMB = "1024"
)

// Event is a scheduled CloudWatch event with the offline markers added.
type Event struct {
	events.CloudWatchEvent
	IsOffline      bool `json:"isOffline"`
	StageVariables any  `json:"stageVariables,omitempty"`
}

type Context struct {
	AwsRequestID                   string `json:"awsRequestId"`
	InvokeID                       string `json:"invokeid"`
	LogGroupName                   string `json:"logGroupName"`
	LogStreamName                  string `json:"logStreamName"`
	FunctionVersion                string `json:"functionVersion"`
	IsDefaultFunctionVersion       bool   `json:"isDefaultFunctionVersion"`
	FunctionName                   string `json:"functionName"`
	MemoryLimitInMB                string `json:"memoryLimitInMB"`
	CallbackWaitsForEmptyEventLoop bool   `json:"callbackWaitsForEmptyEventLoop"`
	InvokedFunctionArn             string `json:"invokedFunctionArn"`
}

func (c Context) LambdaContext() *lambdacontext.LambdaContext {
	return &lambdacontext.LambdaContext{
		AwsRequestID:       c.AwsRequestID,
		InvokedFunctionArn: c.InvokedFunctionArn,
	}
}

type Builder struct {
	stageVariables any
	now            func() time.Time
	newID          func() string
}

func NewBuilder(stageVariables any) *Builder {
	return &Builder{stageVariables: stageVariables, now: time.Now, newID: uuid.NewString}
}

func (b *Builder) Event() Event {
	return Event{
		CloudWatchEvent: events.CloudWatchEvent{
			Version:    "0",
			ID:         b.newID(),
			DetailType: DetailType,
			Source:     Source,
			AccountID:  AccountID,
			Time:       b.now().UTC(),
			Region:     Region,
			Resources:  []string{RuleARN},
			Detail:     json.RawMessage(`{}`),
		},
		IsOffline:      true,
		StageVariables: b.stageVariables,
	}
}

func (b *Builder) Context(functionID string) Context {
	return Context{
		AwsRequestID:                   b.newID(),
		InvokeID:                       b.newID(),
		LogGroupName:                   "/aws/lambda/" + functionID,
		LogStreamName:                  LogStreamName,
		FunctionVersion:                Version,
		IsDefaultFunctionVersion:       true,
		FunctionName:                   functionID,
		MemoryLimitInMB:                MemoryLimitMB,
		CallbackWaitsForEmptyEventLoop: true,
		InvokedFunctionArn:             "arn:aws:lambda:" + Region + ":" + AccountID + ":function:" + functionID,
	}
}
