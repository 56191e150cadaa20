package domain

// InboundJob 是入站邮件处理任务的载荷（入口 → 处理 worker 的队列契约）。
//
// 两条入口路径（自建 SMTP、provider webhook）共用同一套字段含义：
// 自建 SMTP 不做 SPF/DKIM/DMARC 校验，验证结果填 none；
// provider 已验证的事件填 pass。
type InboundJob struct {
	RawEmail    []byte     `json:"rawEmail"`
	Recipient   string     `json:"recipient"`
	Sender      string     `json:"sender"`
	SPFResult   AuthResult `json:"spfResult"`
	DKIMResult  AuthResult `json:"dkimResult"`
	DMARCResult AuthResult `json:"dmarcResult"`
}

// AnalysisJob 是 AI 分析队列的轻量载荷，只引用邮件 ID，
// 分析服务自行取回并解密内容。
type AnalysisJob struct {
	EmailID string `json:"emailId"`
}
