package signature_test

import (
	"bytes"
	"encoding/hex"
	"math/rand"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	v4 "github.com/aws/aws-sdk-go/aws/signer/v4"

	"github.com/lazoart/alarik/signature"
)

//nolint:all
const (
	signV4Algorithm = "AWS4-HMAC-SHA256"
	iso8601Format   = "20060102T150405Z"
	yyyymmdd        = "20060102"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	serviceS3       = "s3"
)

func RandString(n int) string {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]byte, (n+1)/2)

	if _, err := src.Read(b); err != nil {
		panic(err)
	}

	return hex.EncodeToString(b)[:n]
}

func TestSignatureMatch(t *testing.T) {
	testCases := []struct {
		name           string
		useQueryString bool
	}{
		{
			name:           "Header-based Authentication",
			useQueryString: false,
		},
		{
			name:           "Query-based Authentication",
			useQueryString: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			Body := bytes.NewReader(nil)
			ak := RandString(32)
			sk := RandString(64)
			region := RandString(16)

			creds := credentials.NewStaticCredentials(ak, sk, "")
			signature.ReloadKeys(map[string]string{ak: sk})
			signer := v4.NewSigner(creds)

			req, err := http.NewRequest(http.MethodPost, "https://s3-endpoint.example.com/bin", Body)
			if err != nil {
				t.Error(err)
			}

			if tc.useQueryString {
				// For query-based authentication
				_, err = signer.Presign(req, Body, serviceS3, region, 900*time.Second, time.Now())
			} else {
				// For header-based authentication
				_, err = signer.Sign(req, Body, serviceS3, region, time.Now())
			}

			if err != nil {
				t.Error(err)
			}

			accessKey, result := signature.V4SignVerify(req)
			if result != signature.ErrNone {
				t.Errorf("invalid result: expect none but got %+v", signature.GetAPIError(result))
			}
			if accessKey != ak {
				t.Errorf("invalid access key: expected %q, got %q", ak, accessKey)
			}
		})
	}
}

func TestUnsignedPayload(t *testing.T) {
	Body := bytes.NewReader([]byte("test data"))

	ak := RandString(32)
	sk := RandString(64)
	region := RandString(16)

	creds := credentials.NewStaticCredentials(ak, sk, "")
	signature.ReloadKeys(map[string]string{ak: sk})
	signer := v4.NewSigner(creds)

	req, err := http.NewRequest(http.MethodPost, "https://s3-endpoint.example.com/bin", Body)
	if err != nil {
		t.Fatal(err)
	}

	req.Header.Set("X-Amz-Content-Sha256", unsignedPayload)

	_, err = signer.Sign(req, Body, serviceS3, region, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	if _, result := signature.V4SignVerify(req); result != signature.ErrNone {
		t.Errorf("invalid result for unsigned payload: expect none but got %+v", signature.GetAPIError(result))
	}
}

func TestTamperedRequestRejected(t *testing.T) {
	sign := func(mutate func(req *http.Request)) signature.ErrorCode {
		Body := bytes.NewReader([]byte("payload bytes"))
		ak := RandString(32)
		sk := RandString(64)
		region := RandString(16)

		creds := credentials.NewStaticCredentials(ak, sk, "")
		signature.ReloadKeys(map[string]string{ak: sk})
		signer := v4.NewSigner(creds)

		req, err := http.NewRequest(http.MethodPut, "https://s3-endpoint.example.com/bucket/key", Body)
		if err != nil {
			t.Fatal(err)
		}
		req.Header.Set("X-Amz-Content-Sha256", unsignedPayload)
		if _, err := signer.Sign(req, Body, serviceS3, region, time.Now()); err != nil {
			t.Fatal(err)
		}

		if mutate != nil {
			mutate(req)
		}
		_, result := signature.V4SignVerify(req)
		return result
	}

	if result := sign(nil); result != signature.ErrNone {
		t.Fatalf("untampered request must verify, got %+v", signature.GetAPIError(result))
	}

	t.Run("flipped signature digit", func(t *testing.T) {
		result := sign(func(req *http.Request) {
			auth := req.Header.Get("Authorization")
			last := auth[len(auth)-1]
			flipped := byte('0')
			if last == '0' {
				flipped = '1'
			}
			req.Header.Set("Authorization", auth[:len(auth)-1]+string(flipped))
		})
		if result != signature.ErrSignatureDoesNotMatch {
			t.Errorf("expected SignatureDoesNotMatch, got %+v", signature.GetAPIError(result))
		}
	})

	t.Run("tampered signed header", func(t *testing.T) {
		result := sign(func(req *http.Request) {
			req.Header.Set("X-Amz-Date", time.Now().Add(time.Minute).UTC().Format(iso8601Format))
		})
		if result == signature.ErrNone {
			t.Error("expected rejection after changing a signed header")
		}
	})

	t.Run("tampered path", func(t *testing.T) {
		result := sign(func(req *http.Request) {
			req.URL.Path = "/bucket/other-key"
		})
		if result != signature.ErrSignatureDoesNotMatch {
			t.Errorf("expected SignatureDoesNotMatch, got %+v", signature.GetAPIError(result))
		}
	})

	t.Run("unknown access key", func(t *testing.T) {
		result := sign(func(req *http.Request) {
			signature.ReloadKeys(map[string]string{})
		})
		if result != signature.ErrInvalidAccessKeyID {
			t.Errorf("expected InvalidAccessKeyID, got %+v", signature.GetAPIError(result))
		}
	})
}

func TestSecurityTokenMustBeSigned(t *testing.T) {
	Body := bytes.NewReader(nil)
	ak := RandString(32)
	sk := RandString(64)
	region := RandString(16)

	creds := credentials.NewStaticCredentials(ak, sk, "")
	signature.ReloadKeys(map[string]string{ak: sk})
	signer := v4.NewSigner(creds)

	req, err := http.NewRequest(http.MethodGet, "https://s3-endpoint.example.com/bucket", Body)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := signer.Sign(req, Body, serviceS3, region, time.Now()); err != nil {
		t.Fatal(err)
	}

	// Smuggle a token in after signing; it is not in SignedHeaders.
	req.Header.Set("X-Amz-Security-Token", "smuggled")

	if _, result := signature.V4SignVerify(req); result == signature.ErrNone {
		t.Error("expected rejection for unsigned security token")
	}
}

func TestCheckExpiration(t *testing.T) {
	originalTimeNow := signature.TimeNow
	defer func() { signature.TimeNow = originalTimeNow }()

	testCases := []struct {
		name           string
		useQueryString bool
		expiresIn      time.Duration
		overrideValue  string
		timeDelta      time.Duration
		expectedError  bool
	}{
		{
			name:           "Valid Header-based Authentication (Default 15min)",
			useQueryString: false,
			timeDelta:      14 * time.Minute,
			expectedError:  false,
		},
		{
			name:           "Expired Header-based Authentication (Default 15min)",
			useQueryString: false,
			timeDelta:      16 * time.Minute,
			expectedError:  true,
		},
		{
			name:           "Valid Query-based Authentication (30min)",
			useQueryString: true,
			expiresIn:      30 * time.Minute,
			timeDelta:      29 * time.Minute,
			expectedError:  false,
		},
		{
			name:           "Expired Query-based Authentication (30min)",
			useQueryString: true,
			expiresIn:      30 * time.Minute,
			timeDelta:      31 * time.Minute,
			expectedError:  true,
		},
		{
			name:           "Valid Query-based Authentication (5min)",
			useQueryString: true,
			expiresIn:      5 * time.Minute,
			timeDelta:      4 * time.Minute,
			expectedError:  false,
		},
		{
			name:           "Expired Query-based Authentication (5min)",
			useQueryString: true,
			expiresIn:      5 * time.Minute,
			timeDelta:      6 * time.Minute,
			expectedError:  true,
		},
		{
			name:           "Malformed Expires",
			useQueryString: true,
			expiresIn:      15 * time.Minute,
			overrideValue:  "not-a-number",
			expectedError:  true,
		},
		{
			name:           "Zero Expires",
			useQueryString: true,
			expiresIn:      15 * time.Minute,
			overrideValue:  "0",
			expectedError:  true,
		},
		{
			name:           "Expires Above Seven Days",
			useQueryString: true,
			expiresIn:      15 * time.Minute,
			overrideValue:  "604801",
			expectedError:  true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			Body := bytes.NewReader(nil)
			ak := RandString(32)
			sk := RandString(64)
			region := RandString(16)

			creds := credentials.NewStaticCredentials(ak, sk, "")
			signature.ReloadKeys(map[string]string{ak: sk})
			signer := v4.NewSigner(creds)

			req, err := http.NewRequest(http.MethodGet, "https://s3-endpoint.example.com/bin", Body)
			if err != nil {
				t.Fatal(err)
			}

			now := time.Now()
			signature.TimeNow = func() time.Time { return now }

			if tc.useQueryString {
				if _, err := signer.Presign(req, Body, serviceS3, region, tc.expiresIn, now); err != nil {
					t.Fatal(err)
				}
				if tc.overrideValue != "" {
					// These values fail parsing before the signature is
					// ever checked.
					q, _ := url.ParseQuery(req.URL.RawQuery)
					q.Set("X-Amz-Expires", tc.overrideValue)
					req.URL.RawQuery = q.Encode()
				}
			} else {
				req.Header.Set("X-Amz-Date", now.Format(iso8601Format))
				if _, err := signer.Sign(req, Body, serviceS3, region, now); err != nil {
					t.Fatal(err)
				}
			}

			// Mock time passing
			signature.TimeNow = func() time.Time { return now.Add(tc.timeDelta) }

			_, result := signature.V4SignVerify(req)
			if result == signature.ErrNone && tc.expectedError {
				t.Errorf("invalid result: expected error but got no error")
			}
			if result != signature.ErrNone && !tc.expectedError {
				t.Errorf("invalid result: didn't expect error but got error: %+v", signature.GetAPIError(result))
			}
		})
	}
}
