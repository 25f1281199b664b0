package flowlambda

import (
	"io/ioutil"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	log "github.com/sirupsen/logrus"
)

// FunctionConfig describes the worker function to deploy
type FunctionConfig struct {
	Name       string
	RoleARN    string
	CodePath   string // path of a zip containing the worker binary
	Timeout    int64
	MemorySize int64
}

// LambdaClient wraps the AWS Lambda service for invoking and
// deploying worker functions
type LambdaClient struct {
	Client *lambda.Lambda
}

// NewLambdaClient initializes a new LambdaClient
func NewLambdaClient() *LambdaClient {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	return &LambdaClient{
		Client: lambda.New(sess),
	}
}

// Invoke synchronously invokes functionName with payload and returns
// the function result payload
func (l *LambdaClient) Invoke(functionName string, payload []byte) ([]byte, error) {
	input := &lambda.InvokeInput{
		FunctionName: aws.String(functionName),
		Payload:      payload,
	}

	output, err := l.Client.Invoke(input)
	if err != nil {
		return nil, err
	}
	if output.FunctionError != nil {
		log.Errorf("Function error during invocation of %s: %s", functionName, *output.FunctionError)
	}
	return output.Payload, nil
}

func (l *LambdaClient) functionExists(functionName string) bool {
	_, err := l.Client.GetFunction(&lambda.GetFunctionInput{
		FunctionName: aws.String(functionName),
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == lambda.ErrCodeResourceNotFoundException {
		return false
	}
	return err == nil
}

// DeployFunction creates or updates the worker function described by config
func (l *LambdaClient) DeployFunction(config *FunctionConfig) error {
	code, err := ioutil.ReadFile(config.CodePath)
	if err != nil {
		return err
	}

	if l.functionExists(config.Name) {
		log.Debugf("Updating function code of %s", config.Name)
		_, err = l.Client.UpdateFunctionCode(&lambda.UpdateFunctionCodeInput{
			FunctionName: aws.String(config.Name),
			ZipFile:      code,
		})
		return err
	}

	log.Debugf("Creating function %s", config.Name)
	_, err = l.Client.CreateFunction(&lambda.CreateFunctionInput{
		FunctionName: aws.String(config.Name),
		Role:         aws.String(config.RoleARN),
		Runtime:      aws.String(lambda.RuntimeGo1X),
		Handler:      aws.String("main"),
		Timeout:      aws.Int64(config.Timeout),
		MemorySize:   aws.Int64(config.MemorySize),
		Code: &lambda.FunctionCode{
			ZipFile: code,
		},
	})
	return err
}

// DeleteFunction deletes the worker function with the given name
func (l *LambdaClient) DeleteFunction(functionName string) error {
	_, err := l.Client.DeleteFunction(&lambda.DeleteFunctionInput{
		FunctionName: aws.String(functionName),
	})
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == lambda.ErrCodeResourceNotFoundException {
		return nil
	}
	return err
}
