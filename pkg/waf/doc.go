// Package waf is a small rule engine speaking a subset of the ModSecurity
// SecRule language. It implements inspect.Engine.
//
// A rule set is a list of directives:
//
//	SecRuleEngine On
//	SecRequestBodyAccess On
//	SecRule REQUEST_URI "@beginsWith /attack.php" "id:1001,phase:1,deny,msg:'attack page'"
//	SecRule REQUEST_HEADERS:User-Agent "@pm nikto sqlmap" "id:1002,t:lowercase,deny"
//
// Rules are evaluated as soon as the variable they read is known, and each
// rule fires at most once per connection. Matches are reported in the verdict
// log as a line of [name "value"] tags.
package waf
