package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/initials101/mpesa-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

var (
	// ErrIndeterminate is the "still processing" outcome of a status
	// query. It is not a failure: the poller keeps polling on it while
	// every other error counts as a transient gateway problem.
	ErrIndeterminate = errors.New("transaction is being processed")
)

// indeterminateErrorCode is the Daraja signature for a query that landed
// before the transaction settled ("The transaction is being processed").
const indeterminateErrorCode = "500.001.1001"

const (
	pathOAuth     = "/oauth/v1/generate?grant_type=client_credentials"
	pathSTKPush   = "/mpesa/stkpush/v1/processrequest"
	pathSTKQuery  = "/mpesa/stkpushquery/v1/query"
	pathB2C       = "/mpesa/b2c/v1/paymentrequest"
	timestampForm = "20060102150405"
)

// GatewayError wraps transport, auth and non-2xx failures talking to Daraja.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("daraja %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("daraja %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// InitiateResponse is the outcome of an initiation call. Accepted=false
// with a non-zero code is a business rejection, not an error.
type InitiateResponse struct {
	CorrelationID            string
	OriginatorConversationID string
	Accepted                 bool
	ResponseCode             int
	ResponseDescription      string
	CustomerMessage          string
}

// QueryResponse is a definitive status-query result. An in-flight
// transaction is reported via ErrIndeterminate instead.
type QueryResponse struct {
	ResultCode int
	ResultDesc string
}

type Config struct {
	BaseURL          string
	ConsumerKey      string
	ConsumerSecret   string
	Shortcode        string
	Passkey          string
	InitiatorName    string
	SecurityCred     string
	CallbackBaseURL  string
	Timeout          time.Duration
	TokenExpiryGrace time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
}

type Client struct {
	config *Config
	client *fasthttp.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time

	now func() time.Time
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 20 * time.Second
	}
	if config.TokenExpiryGrace == 0 {
		config.TokenExpiryGrace = time.Minute
	}

	httpClient := &fasthttp.Client{
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
		ReadBufferSize:      config.ReadBufferSize,
		WriteBufferSize:     config.WriteBufferSize,
	}

	c := &Client{
		config: config,
		client: httpClient,
		now:    time.Now,
	}

	logger.Info("Daraja client initialized", "base_url", config.BaseURL, "shortcode", config.Shortcode, "timeout", config.Timeout)
	return c, nil
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush asks Daraja to prompt the payer's device for authorization.
func (c *Client) STKPush(ctx context.Context, amount int64, phone, accountRef, description string) (*InitiateResponse, error) {
	timestamp := c.now().Format(timestampForm)
	req := &stkPushRequest{
		BusinessShortCode: c.config.Shortcode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            strconv.FormatInt(amount, 10),
		PartyA:            phone,
		PartyB:            c.config.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.config.CallbackBaseURL + "/api/v1/callbacks/stkpush",
		AccountReference:  accountRef,
		TransactionDesc:   description,
	}

	body, err := c.doAuthorized(ctx, "stkpush", pathSTKPush, req)
	if err != nil {
		return nil, err
	}

	var resp stkPushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Op: "stkpush", Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	code, err := parseResponseCode(resp.ResponseCode)
	if err != nil {
		return nil, &GatewayError{Op: "stkpush", Err: err}
	}

	out := &InitiateResponse{
		CorrelationID:       resp.CheckoutRequestID,
		Accepted:            code == 0,
		ResponseCode:        code,
		ResponseDescription: resp.ResponseDescription,
		CustomerMessage:     resp.CustomerMessage,
	}

	logger.Info("STK push submitted", "checkout_request_id", out.CorrelationID, "accepted", out.Accepted, "response_code", code)
	return out, nil
}

type b2cRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             string `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

type b2cResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// B2CPayment sends funds out to a customer account. commandID is one of
// Daraja's disbursement commands (BusinessPayment, SalaryPayment,
// PromotionPayment).
func (c *Client) B2CPayment(ctx context.Context, amount int64, phone, commandID, remarks string) (*InitiateResponse, error) {
	if commandID == "" {
		commandID = "BusinessPayment"
	}
	req := &b2cRequest{
		InitiatorName:      c.config.InitiatorName,
		SecurityCredential: c.config.SecurityCred,
		CommandID:          commandID,
		Amount:             strconv.FormatInt(amount, 10),
		PartyA:             c.config.Shortcode,
		PartyB:             phone,
		Remarks:            remarks,
		QueueTimeOutURL:    c.config.CallbackBaseURL + "/api/v1/callbacks/b2c",
		ResultURL:          c.config.CallbackBaseURL + "/api/v1/callbacks/b2c",
		Occasion:           remarks,
	}

	body, err := c.doAuthorized(ctx, "b2c", pathB2C, req)
	if err != nil {
		return nil, err
	}

	var resp b2cResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Op: "b2c", Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	code, err := parseResponseCode(resp.ResponseCode)
	if err != nil {
		return nil, &GatewayError{Op: "b2c", Err: err}
	}

	out := &InitiateResponse{
		CorrelationID:            resp.ConversationID,
		OriginatorConversationID: resp.OriginatorConversationID,
		Accepted:                 code == 0,
		ResponseCode:             code,
		ResponseDescription:      resp.ResponseDescription,
	}

	logger.Info("B2C payment submitted", "conversation_id", out.CorrelationID, "originator_conversation_id", out.OriginatorConversationID, "accepted", out.Accepted)
	return out, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// STKQuery asks Daraja for the definitive result of a push payment.
// Returns ErrIndeterminate while the transaction is still in flight.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (*QueryResponse, error) {
	timestamp := c.now().Format(timestampForm)
	req := &stkQueryRequest{
		BusinessShortCode: c.config.Shortcode,
		Password:          c.password(timestamp),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	body, err := c.doAuthorized(ctx, "stkquery", pathSTKQuery, req)
	if err != nil {
		var gerr *GatewayError
		// the in-flight signature arrives as an HTTP error body
		if errors.As(err, &gerr) && isIndeterminateBody([]byte(gerr.Body)) {
			return nil, ErrIndeterminate
		}
		return nil, err
	}

	var resp stkQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &GatewayError{Op: "stkquery", Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if resp.ErrorCode == indeterminateErrorCode {
		return nil, ErrIndeterminate
	}
	if resp.ResultCode == "" {
		return nil, ErrIndeterminate
	}

	code, err := parseResponseCode(resp.ResultCode)
	if err != nil {
		return nil, &GatewayError{Op: "stkquery", Err: err}
	}

	return &QueryResponse{ResultCode: code, ResultDesc: resp.ResultDesc}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// getAccessToken returns the cached bearer token, fetching a fresh one
// when the cached token is within the expiry grace window.
func (c *Client) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-c.config.TokenExpiryGrace)) {
		return c.token, nil
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + pathOAuth)
	req.Header.SetMethod(fasthttp.MethodGet)
	basic := base64.StdEncoding.EncodeToString([]byte(c.config.ConsumerKey + ":" + c.config.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	if err := c.client.DoDeadline(req, resp, c.deadline(ctx)); err != nil {
		return "", &GatewayError{Op: "oauth", Err: err}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return "", &GatewayError{Op: "oauth", StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}

	var tok tokenResponse
	if err := json.Unmarshal(resp.Body(), &tok); err != nil {
		return "", &GatewayError{Op: "oauth", Err: fmt.Errorf("unmarshal token: %w", err)}
	}
	if tok.AccessToken == "" {
		return "", &GatewayError{Op: "oauth", Err: errors.New("empty access token")}
	}

	expiresIn, err := strconv.Atoi(tok.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}

	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(expiresIn) * time.Second)

	logger.Debug("Access token refreshed", "expires_in", expiresIn)
	return c.token, nil
}

func (c *Client) doAuthorized(ctx context.Context, op, path string, payload interface{}) ([]byte, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, &GatewayError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.SetBody(reqBody)

	if err := c.client.DoDeadline(req, resp, c.deadline(ctx)); err != nil {
		return nil, &GatewayError{Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		return nil, &GatewayError{Op: op, StatusCode: statusCode, Body: string(resp.Body())}
	}

	result := make([]byte, len(resp.Body()))
	copy(result, resp.Body())
	return result, nil
}

func (c *Client) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return c.now().Add(c.config.Timeout)
}

// password is base64(shortcode + passkey + timestamp), the Daraja
// transaction password scheme.
func (c *Client) password(timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.config.Shortcode + c.config.Passkey + timestamp))
}

// parseResponseCode parses Daraja's response/result codes, which arrive
// as strings ("0") in responses but are numeric in webhooks. Keeping the
// comparison numeric everywhere is what the resolution table depends on.
func parseResponseCode(raw string) (int, error) {
	code, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("non-numeric response code %q", raw)
	}
	return code, nil
}

func isIndeterminateBody(body []byte) bool {
	var e struct {
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	return e.ErrorCode == indeterminateErrorCode
}
