// Package zapi integrates with the Z-API style WhatsApp messaging gateway:
// inbound webhook payloads and the outbound send-text client.
package zapi
