package remote

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint       string // scheme and host, e.g. https://s3.eu-west-1.amazonaws.com
	Bucket         string
	AccessKey      string
	SecretKey      string
	Region         string
	ForcePathStyle bool   // Use path-style URLs (minio, localstack)
	Prefix         string // key prefix, e.g. "fieldsync/"
}

// Validate checks the settings needed to sign requests.
func (c *S3Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return apperrors.New(apperrors.ErrConfig, "object store endpoint is required")
	case c.Bucket == "":
		return apperrors.New(apperrors.ErrConfig, "object store bucket is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return apperrors.New(apperrors.ErrConfig, "object store credentials are required")
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return apperrors.Newf(apperrors.ErrConfig, "invalid object store endpoint %q", c.Endpoint)
	}
	return nil
}

// ProviderEndpoint returns the endpoint of a known S3-compatible provider.
// For "r2" the account id is passed as region.
func ProviderEndpoint(provider, region string) (string, bool, error) {
	switch strings.ToLower(provider) {
	case "aws", "s3":
		if region == "" {
			region = "us-east-1"
		}
		return fmt.Sprintf("https://s3.%s.amazonaws.com", region), false, nil
	case "r2":
		if len(region) != 32 {
			return "", false, apperrors.New(apperrors.ErrConfig, "r2 requires a 32 character account id")
		}
		return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", region), false, nil
	case "minio":
		return "http://localhost:9000", true, nil
	default:
		return "", false, apperrors.Newf(apperrors.ErrConfig, "unknown object store provider %q", provider)
	}
}

// S3Store uploads photos to S3-compatible storage with SigV4 signing.
type S3Store struct {
	config     S3Config
	httpClient *http.Client
	now        func() time.Time
}

// NewS3Store creates an S3Store.
func NewS3Store(config S3Config) (*S3Store, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	return &S3Store{
		config: config,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		now: time.Now,
	}, nil
}

// PhotoKey returns the object key of a photo. Keys are derived from the
// content hash, so replaying an upload overwrites the same object.
func (s *S3Store) PhotoKey(orderID, fileName string, data []byte) string {
	sum := sha256.Sum256(data)
	return s.config.Prefix + path.Join("orders", orderID, "photos", hex.EncodeToString(sum[:8])+"-"+path.Base(fileName))
}

// PutPhoto implements PhotoStore.
func (s *S3Store) PutPhoto(ctx context.Context, orderID, fileName, contentType string, data []byte) (string, error) {
	key := s.PhotoKey(orderID, fileName, data)
	if err := s.Put(ctx, key, contentType, data); err != nil {
		return "", err
	}
	return key, nil
}

// Put uploads data under key.
func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	req, err := s.newRequest(ctx, http.MethodPut, key, data)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemoteUnavailable, "object upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.StatusCode, http.MethodPut, req.URL.Path, body)
	}
	return nil
}

// Get downloads the object stored under key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	req, err := s.newRequest(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteUnavailable, "object download", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, http.MethodGet, req.URL.Path, body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteUnavailable, "read object", err)
	}
	return data, nil
}

// objectURL returns the request URL and host for key.
func (s *S3Store) objectURL(key string) (*url.URL, error) {
	u, err := url.Parse(s.config.Endpoint)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "parse endpoint", err)
	}
	escaped := (&url.URL{Path: key}).EscapedPath()
	if s.config.ForcePathStyle {
		// Path-style: http://endpoint/bucket/key
		u.Path = "/" + s.config.Bucket + "/" + key
		u.RawPath = "/" + s.config.Bucket + "/" + escaped
	} else {
		// Virtual-host-style: http://bucket.endpoint/key
		u.Host = s.config.Bucket + "." + u.Host
		u.Path = "/" + key
		u.RawPath = "/" + escaped
	}
	return u, nil
}

// newRequest builds a SigV4 signed request.
func (s *S3Store) newRequest(ctx context.Context, method, key string, body []byte) (*http.Request, error) {
	u, err := s.objectURL(key)
	if err != nil {
		return nil, err
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build object request", err)
	}

	amzDate := s.now().UTC().Format("20060102T150405Z")
	payloadHash := hex.EncodeToString(hashSHA256(body))
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	req.Header.Set("Authorization", s.authorization(method, u, amzDate, payloadHash))
	return req, nil
}

// authorization computes the AWS Signature V4 Authorization header.
func (s *S3Store) authorization(method string, u *url.URL, amzDate, payloadHash string) string {
	dateStamp := amzDate[:8]
	scope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.config.Region)

	canonicalHeaders := fmt.Sprintf("host:%s\nx-amz-content-sha256:%s\nx-amz-date:%s\n", u.Host, payloadHash, amzDate)
	signedHeaders := "host;x-amz-content-sha256;x-amz-date"

	canonicalRequest := strings.Join([]string{
		method,
		u.EscapedPath(),
		u.RawQuery,
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	algorithm := "AWS4-HMAC-SHA256"
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(hashSHA256([]byte(canonicalRequest))),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+s.config.SecretKey), dateStamp)
	kRegion := hmacSHA256(kDate, s.config.Region)
	kService := hmacSHA256(kRegion, "s3")
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, s.config.AccessKey, scope, signedHeaders, signature)
}

// hmacSHA256 calculates HMAC-SHA256.
func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// hashSHA256 calculates SHA256 hash.
func hashSHA256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}
