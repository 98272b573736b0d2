package cryptomus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

// 与上游 PHP/Python 实现逐字节一致的报文和签名
const webhookFixture = `{"type":"payment","uuid":"62f88b36-a9d5-4fa6-aa26-e040c3dbf26d","order_id":"ORD2024/01","amount":"15.00","payment_amount":"0.00051","is_final":true,"status":"paid","network":"btc","currency":"USD","payer_currency":"BTC","txid":"abc","additional_data":{"note":"代理 充值\n","tags":[1,null,false]},"confirmations":2,"sign":"047a67cd2a7c124c92fbb5487c0877e5"}`

func TestCanonicalWebhookBody(t *testing.T) {
	body, err := canonicalWebhookBody([]byte(webhookFixture))
	require.NoError(t, err)

	expected := `{"type":"payment","uuid":"62f88b36-a9d5-4fa6-aa26-e040c3dbf26d","order_id":"ORD2024\/01","amount":"15.00","payment_amount":"0.00051","is_final":true,"status":"paid","network":"btc","currency":"USD","payer_currency":"BTC","txid":"abc","additional_data":{"note":"代理 充值\n","tags":[1,null,false]},"confirmations":2}`
	assert.Equal(t, expected, string(body))
}

func TestCanonicalWebhookBodyKeepsNestedSign(t *testing.T) {
	body, err := canonicalWebhookBody([]byte(`{"sign":"x","a":{"sign":"y"}, "b" : [ 1.50 , "\u0001" ]}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"sign":"y"},"b":[1.50,"\u0001"]}`, string(body))
}

func TestVerifyWebhook(t *testing.T) {
	payload, err := VerifyWebhook([]byte(webhookFixture), testAPIKey)
	require.NoError(t, err)

	assert.Equal(t, "62f88b36-a9d5-4fa6-aa26-e040c3dbf26d", payload.UUID)
	assert.Equal(t, "ORD2024/01", payload.OrderID)
	assert.Equal(t, "15", payload.Amount.String())
	assert.Equal(t, "paid", payload.Status)
	require.NotNil(t, payload.Confirmations)
	assert.Equal(t, 2, *payload.Confirmations.IntPtr())
}

func TestVerifyWebhookRejectsTampering(t *testing.T) {
	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(webhookFixture), &fields))
	fields["amount"] = "1500.00"
	tampered, err := json.Marshal(fields)
	require.NoError(t, err)

	_, err = VerifyWebhook(tampered, testAPIKey)
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyWebhookErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		key     string
		wantErr error
	}{
		{name: "未配置密钥", raw: webhookFixture, key: "", wantErr: ErrUnconfigured},
		{name: "缺少签名", raw: `{"uuid":"u1","status":"paid"}`, key: testAPIKey, wantErr: ErrSignatureMissing},
		{name: "空签名", raw: `{"uuid":"u1","sign":""}`, key: testAPIKey, wantErr: ErrSignatureMissing},
		{name: "非 JSON", raw: `not json`, key: testAPIKey, wantErr: ErrMalformedPayload},
		{name: "错误的密钥", raw: webhookFixture, key: "other-key", wantErr: ErrSignatureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VerifyWebhook([]byte(tt.raw), tt.key)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSignRoundTrip(t *testing.T) {
	body := []byte(`{"uuid":"u1","status":"paid_over"}`)
	sign := Sign(body, testAPIKey)
	raw := []byte(`{"uuid":"u1","status":"paid_over","sign":"` + sign + `"}`)

	payload, err := VerifyWebhook(raw, testAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "paid_over", payload.Status)
	assert.Nil(t, payload.Confirmations.IntPtr())
}

func TestFlexInt(t *testing.T) {
	var v struct {
		A *FlexInt `json:"a"`
		B *FlexInt `json:"b"`
		C *FlexInt `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":3,"b":"12","c":null}`), &v))
	assert.Equal(t, 3, *v.A.IntPtr())
	assert.Equal(t, 12, *v.B.IntPtr())
	assert.Nil(t, v.C)

	assert.Error(t, json.Unmarshal([]byte(`{"a":"many"}`), &v))
}
