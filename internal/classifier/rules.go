// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package classifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/basaltsec/recon/backend/internal/models"
)

// portRule is the verdict for a well-known port observed open.
type portRule struct {
	Severity       models.Severity
	Recommendation string
}

// portRules maps well-known ports to their verdicts. Open ports not listed
// here fall back to unknownOpenPortRule; closed ports always get
// closedPortRule regardless of number.
var portRules = map[int]portRule{
	21:   {models.SeverityMedium, "FTP: switch to SFTP/FTPS"},
	22:   {models.SeverityMedium, "SSH: key auth, disable root, rate-limit"},
	23:   {models.SeverityHigh, "Telnet: cleartext; disable"},
	25:   {models.SeverityMedium, "SMTP: no open relay"},
	80:   {models.SeverityLow, "HTTP: redirect to HTTPS; HSTS"},
	110:  {models.SeverityMedium, "POP3: cleartext; require TLS (995)"},
	111:  {models.SeverityMedium, "rpcbind: restrict to trusted networks or disable"},
	135:  {models.SeverityMedium, "MSRPC: firewall the endpoint mapper"},
	139:  {models.SeverityMedium, "NetBIOS: disable if unused"},
	143:  {models.SeverityMedium, "IMAP: cleartext; require TLS (993)"},
	443:  {models.SeverityLow, "HTTPS: TLS1.2+ and strong ciphers"},
	445:  {models.SeverityMedium, "SMB: disable SMBv1"},
	465:  {models.SeverityLow, "SMTPS: keep TLS configuration current"},
	563:  {models.SeverityLow, "NNTPS: verify TLS configuration; disable if unused"},
	587:  {models.SeverityMedium, "SMTP submission: require AUTH over TLS"},
	993:  {models.SeverityLow, "IMAPS: keep TLS configuration current"},
	995:  {models.SeverityLow, "POP3S: keep TLS configuration current"},
	3389: {models.SeverityHigh, "RDP: restrict source IPs, MFA"},
}

var (
	unknownOpenPortRule = portRule{models.SeverityLow, "Review whether this service is necessary and keep it patched."}
	closedPortRule      = portRule{models.SeverityInfo, "No service listening."}
)

// scriptVerdict is the classification of one NSE script output.
type scriptVerdict struct {
	Severity       models.Severity
	Recommendation string
	Description    string
}

// scriptRule classifies a script output. now is the classification time;
// only time-sensitive rules (ssl-cert) look at it.
type scriptRule func(output string, now time.Time) scriptVerdict

// staticRule builds a rule with a fixed verdict; the script output becomes
// the description verbatim.
func staticRule(sev models.Severity, reco string) scriptRule {
	return func(output string, _ time.Time) scriptVerdict {
		return scriptVerdict{Severity: sev, Recommendation: reco, Description: output}
	}
}

// scriptRules maps NSE script ids to their verdict rules. Ids not listed
// here fall back to unknownScriptRule.
var scriptRules = map[string]scriptRule{
	"http-title":         staticRule(models.SeverityInfo, "Informational. Review the reported page title for unexpected content."),
	"http-server-header": staticRule(models.SeverityInfo, "Consider suppressing the server version banner."),
	"ssh-hostkey":        staticRule(models.SeverityInfo, "Informational. Verify the host key fingerprint matches the expected one."),
	"banner":             staticRule(models.SeverityInfo, "Consider suppressing service banners that reveal version information."),
	"smb-os-discovery":   staticRule(models.SeverityInfo, "Informational. Review the OS details exposed over SMB."),
	"smb-security-mode":  staticRule(models.SeverityMedium, "Require SMB signing."),
	"ftp-anon":           staticRule(models.SeverityHigh, "Disable anonymous FTP access."),
	"ssl-cert":           classifySSLCert,
	"ssl-enum-ciphers":   classifySSLCiphers,
	"http-sql-injection": classifySQLInjection,
}

var unknownScriptRule = staticRule(models.SeverityInfo, "Script ran; review the output.")

// outdatedOSFamilies are case-insensitive substrings of OS detection names
// that mark the host as running an end-of-life operating system.
var outdatedOSFamilies = []string{
	"windows xp",
	"windows vista",
	"windows 2000",
	"windows 7",
	"windows 8",
	"windows server 2003",
	"windows server 2008",
	"ubuntu 12",
	"ubuntu 14",
	"ubuntu 16",
	"debian 7",
	"debian 8",
	"centos 5",
	"centos 6",
	"solaris 10",
}

// osOutdated reports whether the detected OS name belongs to an end-of-life
// family.
func osOutdated(name string) bool {
	lower := strings.ToLower(name)
	for _, family := range outdatedOSFamilies {
		if strings.Contains(lower, family) {
			return true
		}
	}
	return false
}

const (
	certNotBeforeMarker = "Not valid before:"
	certNotAfterMarker  = "Not valid after:"
	certTimeLayout      = "2006-01-02T15:04:05"
	certExpiryWarning   = 30 * 24 * time.Hour
)

// classifySSLCert grades a certificate by its validity window. Nmap prints
// "Not valid before:" / "Not valid after:" lines with ISO timestamps that
// sometimes omit the seconds component.
func classifySSLCert(output string, now time.Time) scriptVerdict {
	before, beforeOK := extractCertTime(output, certNotBeforeMarker)
	after, afterOK := extractCertTime(output, certNotAfterMarker)
	if !afterOK {
		return scriptVerdict{
			Severity:       models.SeverityInfo,
			Recommendation: "Could not parse the certificate validity window; review manually.",
			Description:    output,
		}
	}

	desc := fmt.Sprintf("Certificate is valid until %s.", after.Format(certTimeLayout))
	if beforeOK {
		desc = fmt.Sprintf("Certificate is valid from %s until %s.", before.Format(certTimeLayout), after.Format(certTimeLayout))
	}

	switch {
	case now.After(after):
		return scriptVerdict{
			Severity:       models.SeverityHigh,
			Recommendation: "Certificate expired; renew it immediately.",
			Description:    desc,
		}
	case after.Sub(now) < certExpiryWarning:
		return scriptVerdict{
			Severity:       models.SeverityMedium,
			Recommendation: "Certificate is expiring soon; renew it.",
			Description:    desc,
		}
	default:
		return scriptVerdict{
			Severity:       models.SeverityInfo,
			Recommendation: "Certificate is within its validity period.",
			Description:    desc,
		}
	}
}

// extractCertTime pulls the timestamp following marker out of the script
// output. Timestamps missing the seconds component get ":00" appended before
// parsing.
func extractCertTime(output, marker string) (time.Time, bool) {
	idx := strings.Index(output, marker)
	if idx < 0 {
		return time.Time{}, false
	}
	rest := output[idx+len(marker):]
	if end := strings.IndexAny(rest, "\r\n"); end >= 0 {
		rest = rest[:end]
	}
	value := strings.TrimSpace(rest)
	if strings.Count(value, ":") == 1 {
		value += ":00"
	}
	t, err := time.Parse(certTimeLayout, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// classifySSLCiphers flags cipher suites built on broken primitives.
func classifySSLCiphers(output string, _ time.Time) scriptVerdict {
	lower := strings.ToLower(output)
	for _, weak := range []string{"rc4", "3des", "md5"} {
		if strings.Contains(lower, weak) {
			return scriptVerdict{
				Severity:       models.SeverityMedium,
				Recommendation: "Disable cipher suites based on RC4, 3DES, and MD5.",
				Description:    output,
			}
		}
	}
	return scriptVerdict{
		Severity:       models.SeverityLow,
		Recommendation: "Review the offered cipher suites and keep the TLS configuration current.",
		Description:    output,
	}
}

// classifySQLInjection grades the http-sql-injection script output line by
// line. A confirmed hit outranks a possible one.
func classifySQLInjection(output string, _ time.Time) scriptVerdict {
	possible := false
	for _, line := range strings.Split(strings.ToLower(output), "\n") {
		if strings.Contains(line, "vulnerable") {
			return scriptVerdict{
				Severity:       models.SeverityCritical,
				Recommendation: "SQL injection detected; fix the injectable parameters immediately.",
				Description:    output,
			}
		}
		if strings.Contains(line, "possible") {
			possible = true
		}
	}
	if possible {
		return scriptVerdict{
			Severity:       models.SeverityHigh,
			Recommendation: "Possible SQL injection; verify manually and fix the injectable parameters.",
			Description:    output,
		}
	}
	return scriptVerdict{
		Severity:       models.SeverityHigh,
		Recommendation: "No vulnerability found; review the scanned parameters for coverage.",
		Description:    output,
	}
}
