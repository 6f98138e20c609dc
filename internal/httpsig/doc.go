// Package httpsig implementa firmas HTTP estilo draft-cavage (rsa-sha256)
// con Digest SHA-256 sobre el cuerpo JSON canónico.
//
// Salida típica de Signer.Sign:
//
//	Date: Fri, 07 Jun 2024 20:51:35 GMT
//	Digest: SHA-256=X48E9qOokqqrvdts8nOJRJN3OWDUoyWxBf7kbu9DBPE=
//	Signature: keyId="https://a.example/keys/1717793495",algorithm="rsa-sha256",
//	           headers="(request-target) host date digest",signature="..."
package httpsig
